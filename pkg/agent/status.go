package agent

import "github.com/arzzra/softphone/pkg/engine"

// Status сводный статус агента для интерфейса.
type Status string

const (
	Offline  Status = "offline"
	Online   Status = "online"
	Changing Status = "changing"
	Error    Status = "error"
)

func (s Status) String() string {
	return string(s)
}

// ComposeStatus online только при активном соединении и успешной регистрации.
func ComposeStatus(conn engine.ConnectionState, reg engine.RegistrationState) Status {
	if conn == engine.Connected && reg == engine.Registered {
		return Online
	}
	return Offline
}
