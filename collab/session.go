package collab

import (
	"sync"

	"github.com/google/uuid"
)

// Session is the permission and identity context of one collaboration session.
// It also scopes the "applying remote operation" flag, so that independent
// sessions in one process do not see each other's remote applies.
//
// The remote apply scope assumes local edits and remote applies of one session
// are delivered on one goroutine, as an editor event loop does.
type Session struct {
	SessionId     string
	ThreatModelId string
	DiagramId     string
	UserId        string

	stateLock        sync.Mutex
	collaborating    bool
	readOnly         bool
	remoteApplyDepth int
}

func NewSession(threatModelId string, diagramId string, userId string) *Session {
	return &Session{
		SessionId:     uuid.NewString(),
		ThreatModelId: threatModelId,
		DiagramId:     diagramId,
		UserId:        userId,
	}
}

func (self *Session) SetCollaborating(collaborating bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.collaborating = collaborating
}

func (self *Session) IsCollaborating() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.collaborating
}

func (self *Session) SetReadOnly(readOnly bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.readOnly = readOnly
}

func (self *Session) IsReadOnly() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.readOnly
}

// ApplyRemote runs `apply` with the remote apply flag set.
// Scopes nest; the flag clears when the outermost scope returns, including on panic.
func (self *Session) ApplyRemote(apply func() error) error {
	self.stateLock.Lock()
	self.remoteApplyDepth += 1
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		self.remoteApplyDepth -= 1
		self.stateLock.Unlock()
	}()

	return apply()
}

func (self *Session) IsApplyingRemote() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return 0 < self.remoteApplyDepth
}
