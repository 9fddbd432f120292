package phone

import (
	"github.com/arzzra/softphone/pkg/agent"
	"github.com/arzzra/softphone/pkg/engine"
)

// SessionView состояние одной сессии.
type SessionView struct {
	ID        string           `json:"id"`
	Identity  string           `json:"identity"`
	Direction engine.Direction `json:"direction"`
	Confirmed bool             `json:"confirmed"`
	OnHold    bool             `json:"onHold"`
	Muted     bool             `json:"muted"`
	Pristine  bool             `json:"pristine"`
	HasAudio  bool             `json:"hasAudio"`
}

// Snapshot согласованный срез состояния телефона.
type Snapshot struct {
	Status   agent.Status `json:"status"`
	Desired  agent.Status `json:"desired"`
	Changing bool         `json:"changing"`

	AgentID    string `json:"agentId,omitempty"`
	AgentReady bool   `json:"agentReady"`

	Sessions []SessionView `json:"sessions"`
	Selected string        `json:"selected,omitempty"`
}

// Session сессия по идентификатору из снимка.
func (s Snapshot) Session(id string) (SessionView, bool) {
	for _, v := range s.Sessions {
		if v.ID == id {
			return v, true
		}
	}
	return SessionView{}, false
}

func (p *Phone) snapshot() Snapshot {
	snap := Snapshot{
		Status:   p.ctrl.Status().Get(),
		Desired:  p.ctrl.Desired().Get(),
		Changing: p.ctrl.Changing().Get(),
		Sessions: []SessionView{},
		Selected: p.reg.Selected().Get(),
	}
	if a := p.ctrl.Current().Get(); a != nil {
		snap.AgentID = a.ID()
		snap.AgentReady = a.IsReady()
	}
	for _, s := range p.reg.List() {
		snap.Sessions = append(snap.Sessions, SessionView{
			ID:        s.ID(),
			Identity:  s.RemoteIdentity(),
			Direction: s.Direction(),
			Confirmed: s.IsConfirmed(),
			OnHold:    s.IsOnHold(),
			Muted:     s.IsMuted(),
			Pristine:  s.IsPristine(),
			HasAudio:  s.RemoteAudio().Get() != nil,
		})
	}
	return snap
}
