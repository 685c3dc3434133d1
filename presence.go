package collab

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// one record per collaborator known to this session.
// `Color` is assigned by the relay and present only while the user is
// actively connected. A record without a color is an offline
// "shared with" user merged in from the rest api.
type PresenceRecord struct {
	UserId        int64
	Username      string
	AvatarUrl     string
	Color         string
	CurrentViewId string
	FocusedRowId  string
}

func (self *PresenceRecord) IsOnline() bool {
	return self.Color != ""
}

type PresenceChangeFunction = func(users []*PresenceRecord)

// the set of currently-known collaborators and their ephemeral attributes.
// constructed per workspace session and mutated exclusively by the session's
// dispatcher handlers. The ui layer reads it through the accessors.
type PresenceStore struct {
	stateLock sync.Mutex

	users map[int64]*PresenceRecord

	presenceChangeCallbacks *CallbackList[PresenceChangeFunction]
}

func NewPresenceStore() *PresenceStore {
	return &PresenceStore{
		users:                   map[int64]*PresenceRecord{},
		presenceChangeCallbacks: NewCallbackList[PresenceChangeFunction](),
	}
}

// replaces the entire store. Used once immediately after connecting to
// establish a consistent baseline.
func (self *PresenceStore) Init(users []*PresenceRecord) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.users = map[int64]*PresenceRecord{}
		for _, user := range users {
			record := *user
			self.users[record.UserId] = &record
		}
	}()
	self.presenceChanged()
}

// idempotent. A join for an already-present id is a no-op.
func (self *PresenceStore) Join(user *PresenceRecord) {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if _, ok := self.users[user.UserId]; ok {
			return false
		}
		record := *user
		self.users[record.UserId] = &record
		return true
	}()
	if changed {
		self.presenceChanged()
	}
}

// removing an unknown id is a no-op
func (self *PresenceStore) Leave(userId int64) {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if _, ok := self.users[userId]; !ok {
			return false
		}
		delete(self.users, userId)
		return true
	}()
	if changed {
		self.presenceChanged()
	}
}

// patches only the focused row of an existing record.
// the user must already be present via `Init` or `Join`.
func (self *PresenceStore) SetFocus(userId int64, focusedRowId string) {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		record, ok := self.users[userId]
		if !ok {
			glog.V(frameTraceV).Infof("[dsp]drop focus for unknown user %d\n", userId)
			return false
		}
		record.FocusedRowId = focusedRowId
		return true
	}()
	if changed {
		self.presenceChanged()
	}
}

// patches only the current view of an existing record
func (self *PresenceStore) SetView(userId int64, currentViewId string) {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		record, ok := self.users[userId]
		if !ok {
			glog.V(frameTraceV).Infof("[dsp]drop view for unknown user %d\n", userId)
			return false
		}
		record.CurrentViewId = currentViewId
		return true
	}()
	if changed {
		self.presenceChanged()
	}
}

func (self *PresenceStore) User(userId int64) (PresenceRecord, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	record, ok := self.users[userId]
	if !ok {
		return PresenceRecord{}, false
	}
	return *record, true
}

// copies, ordered by user id for stable rendering
func (self *PresenceStore) Users() []*PresenceRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	userIds := maps.Keys(self.users)
	slices.Sort(userIds)
	users := make([]*PresenceRecord, 0, len(userIds))
	for _, userId := range userIds {
		record := *self.users[userId]
		users = append(users, &record)
	}
	return users
}

func (self *PresenceStore) Size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.users)
}

func (self *PresenceStore) AddPresenceChangeCallback(presenceChangeCallback PresenceChangeFunction) func() {
	callbackId := self.presenceChangeCallbacks.Add(presenceChangeCallback)
	return func() {
		self.presenceChangeCallbacks.Remove(callbackId)
	}
}

func (self *PresenceStore) presenceChanged() {
	callbacks := self.presenceChangeCallbacks.Get()
	if len(callbacks) == 0 {
		return
	}
	users := self.Users()
	for _, callback := range callbacks {
		callback(users)
	}
}

// merges the rest api's "shared with" user list with live presence.
// an id already online takes precedence; offline entries carry no color.
// this is a consumer-side merge, deliberately outside the store.
func MergeSharedUsers(online []*PresenceRecord, shared []*PresenceRecord) []*PresenceRecord {
	merged := []*PresenceRecord{}
	onlineUserIds := map[int64]bool{}
	for _, record := range online {
		copied := *record
		merged = append(merged, &copied)
		onlineUserIds[record.UserId] = true
	}
	for _, record := range shared {
		if onlineUserIds[record.UserId] {
			continue
		}
		copied := *record
		copied.Color = ""
		merged = append(merged, &copied)
	}
	return merged
}
