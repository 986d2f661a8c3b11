// Package registry announces which processes currently serve an API.
//
// The broker handles message routing, so the bus works without any registry
// at all. Announcements exist for topology visibility: operators and peers
// can discover which instances serve "example" right now, and watch that set
// change as processes come and go.
package registry

// Instance identifies one process serving an API.
type Instance struct {
	ID      string `json:"id"`
	Addr    string `json:"addr,omitempty"` // transport address, informational
	Version string `json:"version,omitempty"`
}

// Announcer publishes and queries API liveness.
type Announcer interface {
	// Announce marks the instance as serving apiName. The entry expires
	// after ttl seconds unless kept alive, so a crashed process
	// disappears on its own.
	Announce(apiName string, inst Instance, ttl int64) error

	// Withdraw removes the instance's announcement for apiName.
	// Called during graceful shutdown.
	Withdraw(apiName string, instanceID string) error

	// Discover returns all instances currently serving apiName.
	Discover(apiName string) ([]Instance, error)

	// Watch emits the updated instance list whenever it changes.
	Watch(apiName string) <-chan []Instance
}
