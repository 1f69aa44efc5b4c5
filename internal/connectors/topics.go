package connectors

const (
	TopicConnStatus     = "conn.status"
	TopicSensorData     = "sensor.data"
	TopicDeviceAck      = "device.ack"
	TopicGuidance       = "guidance"
	TopicUploadProgress = "upload.progress"
	TopicRawFrameIn     = "raw.frame.in"
	TopicRawFrameOut    = "raw.frame.out"
)
