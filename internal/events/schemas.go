package events

const syncCompletedSchema = `{
  "type": "object",
  "title": "SyncCompleted",
  "properties": {
    "athlete_id": {"type": "integer"},
    "run_id": {"type": "string"},
    "mode": {"type": "string", "enum": ["full", "incremental"]},
    "status": {"type": "string"},
    "error": {"type": "string"},
    "started_at": {"type": "string", "format": "date-time"},
    "finished_at": {"type": "string", "format": "date-time"},
    "created": {"type": "integer"},
    "updated": {"type": "integer"},
    "unchanged": {"type": "integer"},
    "skipped": {"type": "integer"},
    "streams_stored": {"type": "integer"},
    "points_written": {"type": "integer"},
    "total_activities": {"type": "integer"}
  },
  "required": ["athlete_id", "run_id", "mode", "status", "started_at", "finished_at"],
  "additionalProperties": false
}`

const trainingLoadExtendedSchema = `{
  "type": "object",
  "title": "TrainingLoadExtended",
  "properties": {
    "athlete_id": {"type": "integer"},
    "run_id": {"type": "string"},
    "from": {"type": "string", "format": "date"},
    "to": {"type": "string", "format": "date"},
    "points": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "date": {"type": "string", "format": "date"},
          "daily_tss": {"type": "number"},
          "ctl": {"type": "number"},
          "atl": {"type": "number"},
          "tsb": {"type": "number"},
          "activity_count": {"type": "integer"}
        },
        "required": ["date", "daily_tss", "ctl", "atl", "tsb"]
      }
    }
  },
  "required": ["athlete_id", "run_id", "from", "to", "points"],
  "additionalProperties": false
}`
