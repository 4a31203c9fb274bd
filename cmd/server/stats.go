package main

import "time"

// Stats is the snapshot served on /api/state and the dashboard.
type Stats struct {
	ActiveSessions     int64  `json:"active_sessions"`
	TotalSessions      int64  `json:"total_sessions"`
	RegisteredSessions int    `json:"registered_sessions"`
	Logins             int64  `json:"logins"`
	Now                string `json:"now"`
}

func collectStats(s *serverState) Stats {
	return Stats{
		ActiveSessions:     s.active.Load(),
		TotalSessions:      s.total.Load(),
		RegisteredSessions: s.registry.Len(),
		Logins:             s.logins.Load(),
		Now:                time.Now().UTC().Format(time.RFC3339),
	}
}

// ToTemplateMap returns the snapshot keyed for html/template.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Active":     s.ActiveSessions,
		"Total":      s.TotalSessions,
		"Registered": s.RegisteredSessions,
		"Logins":     s.Logins,
	}
}
