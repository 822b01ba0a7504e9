package protocol

// Greeting is the first line a node writes on every accepted connection.
const Greeting = "connection_established"

// Node to coordinator.
const (
	CmdHello            = "kvServer"
	CmdDataFromKeyRange = "data_from_key_range"
	CmdDataRangeSent    = "data_key_range_sent"
	CmdClose            = "close"
	CmdDataCompleteSend = "data_complete_send"
	CmdUpdateKeyRange   = "update_keyrange"
)

// Coordinator to node, always sent with the ECS tag.
const (
	CmdConnectionEstablished = "connection_ecs_established"
	CmdMetadata              = "metadata"
	CmdSetWriteLock          = "set_write_lock"
	CmdRemoveWriteLock       = "remove_write_lock"
	CmdRequestDataKeyRange   = "request_data_key_range"
	CmdDataReceived          = "data_received"
	CmdPing                  = "ping_request"
)

// Client and peer requests served on a node's client port.
const (
	CmdPut                = "put"
	CmdGet                = "get"
	CmdDelete             = "delete"
	CmdKeyRange           = "keyrange"
	CmdKeyRangeRead       = "keyrange_read"
	CmdServerPut          = "server_put"
	CmdServerDelete       = "server_delete"
	CmdRequestReplicaData = "request_replica_data"
	CmdReplicaDataUpdate  = "replica_data_update"
	CmdSaveData           = "save_data"
	CmdSaveDataBuckets    = "save_data_buckets"
	CmdUsageMetricsInfo   = "get_usage_metrics_info"
	CmdUsageMetrics       = "get_usage_metrics"
	CmdFrequencyTable     = "get_frequency_table"
	CmdClosingClient      = "closing_client"
)

// Replies.
const (
	RespPutSuccess               = "put_success"
	RespPutUpdate                = "put_update"
	RespPutError                 = "put_error"
	RespGetSuccess               = "get_success"
	RespGetError                 = "get_error"
	RespDeleteSuccess            = "delete_success"
	RespDeleteError              = "delete_error"
	RespNotResponsible           = "server_not_responsible"
	RespWriteLock                = "server_write_lock"
	RespStopped                  = "server_stopped"
	RespKeyRange                 = "keyrange_success"
	RespKeyRangeRead             = "keyrange_read_success"
	RespServerPutSuccess         = "server_put_success"
	RespServerDeleteSuccess      = "server_delete_success"
	RespReplicaData              = "replica_data"
	RespReplicaDataUpdateSuccess = "replica_data_update_success"
	RespSaveDataSuccess          = "save_data_success"
	RespRunning                  = "server_is_running"
	RespUsageMetrics             = "usage_metrics"
	RespFrequencyTable           = "frequency_table"
	RespWriteLockSet             = "write_lock_set"
	RespWriteLockRemoved         = "write_lock_removed"
	RespError                    = "error"
)

// UnknownCommand is the reply to an unrecognized command token.
const UnknownCommand = RespError + " unknown command!"
