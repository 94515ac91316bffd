package config

type WorkerKeyStruct struct {
	TimeSyncQueue      string
	ProctorEventsQueue string
}

var WorkerKey = &WorkerKeyStruct{
	TimeSyncQueue:      "practice_time_sync_queue",
	ProctorEventsQueue: "practice_proctor_events_queue",
}
