package main

// Options is the root command. The struct tags are interpreted by github.com/jessevdk/go-flags.
type Options struct {
	Config  string      `short:"f" long:"config" description:"YAML config path (overrides CONFIG_PATH)"`
	Sync    *SyncCmd    `command:"sync" description:"Run one sync for an athlete and print the report"`
	State   *StateCmd   `command:"state" description:"Print the stored sync state of an athlete"`
	Loads   *LoadsCmd   `command:"loads" description:"Print the training load series for a date range"`
	Migrate *MigrateCmd `command:"migrate" description:"Apply database migrations"`
	Token   *TokenCmd   `command:"token" description:"Issue an API bearer token"`
}

// Init instantiates the sub-command named by firstArg so the parser can populate it.
func (o *Options) Init(firstArg string) {
	switch firstArg {
	case "sync":
		o.Sync = &SyncCmd{}
	case "state":
		o.State = &StateCmd{}
	case "loads":
		o.Loads = &LoadsCmd{}
	case "migrate":
		o.Migrate = &MigrateCmd{}
	case "token":
		o.Token = &TokenCmd{}
	}
}
