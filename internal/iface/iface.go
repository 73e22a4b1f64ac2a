package iface

// MessageHandler receives complete notifications for subscribed subjects.
type MessageHandler interface {
	HandleMessage(subject string, body []byte)
}

// HandlerFunc adapts a plain function to MessageHandler.
type HandlerFunc func(subject string, body []byte)

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(subject string, body []byte) { f(subject, body) }

// Notifier is a publish/subscribe transport as seen by application code. It is
// implemented by a single client connection and by the dual-path wrapper.
type Notifier interface {
	Start()
	Subscribe(subject string)
	BroadcastNotification(subject string, body []byte) error
	BroadcastNotificationWithPacketization(subject string, body []byte) error
	WaitForAllAcks() bool
	Shutdown()
}
