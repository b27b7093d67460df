package bot

import "sync"

// Permission declares who may invoke a handler. The zero value denies
// everyone; construct with All or OnlyUsers.
type Permission struct {
	all   bool
	users map[UserID]struct{}
}

// All allows every sender.
func All() Permission {
	return Permission{all: true}
}

// OnlyUsers allows exactly the given senders.
func OnlyUsers(ids ...UserID) Permission {
	users := make(map[UserID]struct{}, len(ids))
	for _, id := range ids {
		users[id] = struct{}{}
	}
	return Permission{users: users}
}

// Allows reports whether the effective sender may proceed. Callers must
// resolve impersonation before calling; the raw sender is never what gets
// evaluated.
func (p Permission) Allows(effective UserID) bool {
	if p.all {
		return true
	}
	_, ok := p.users[effective]
	return ok
}

// impersonations tracks which real users currently act as someone else.
// Grants can only be established through the engine's own admin-gated
// commands, and every change is written to the log for auditing.
type impersonations struct {
	mu     sync.RWMutex
	acting map[UserID]UserID
	logf   Logger
}

func newImpersonations(logf Logger) *impersonations {
	return &impersonations{
		acting: make(map[UserID]UserID),
		logf:   logf,
	}
}

func (im *impersonations) grant(id ImpersonatorID) {
	im.mu.Lock()
	im.acting[id.Real] = id.Acting
	im.mu.Unlock()
	im.logf("audit: %s now impersonating %s", id.Real, id.Acting)
}

func (im *impersonations) revoke(real UserID) {
	im.mu.Lock()
	acting, ok := im.acting[real]
	delete(im.acting, real)
	im.mu.Unlock()
	if ok {
		im.logf("audit: %s stopped impersonating %s", real, acting)
	}
}

// effective resolves the sender a permission check is evaluated against.
func (im *impersonations) effective(sender UserID) UserID {
	im.mu.RLock()
	defer im.mu.RUnlock()
	if acting, ok := im.acting[sender]; ok {
		return acting
	}
	return sender
}
