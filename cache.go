package collab

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// a row as the rendering layer caches it.
// `Version` is a monotonic counter used to order concurrent edits.
type RowSnapshot struct {
	RowId   string
	Version int64
	Fields  map[string]any
}

func (self *RowSnapshot) copy() *RowSnapshot {
	fields := map[string]any{}
	for name, value := range self.Fields {
		fields[name] = value
	}
	return &RowSnapshot{
		RowId:   self.RowId,
		Version: self.Version,
		Fields:  fields,
	}
}

type FilterSortFunction = func(update *FilterSortUpdateEvent)
type ChatMessageFunction = func(message *ChatMessageEvent)

// the read cache behind the table and chart widgets, plus the workspace
// chat log. The rendering layer loads rows per view after fetching them
// over rest; the session's dispatcher handlers apply remote mutations.
//
// remote row updates only ever overwrite one named column and advance the
// stored version. The cache never decreases a version and never invents
// rows: an update for a row that is not loaded is dropped.
type WorkspaceCache struct {
	settings *CollabSettings

	stateLock sync.Mutex

	viewRows   map[string]map[string]*RowSnapshot
	filterSort map[string]*FilterSortUpdateEvent
	chatLog    []*ChatMessageEvent

	filterSortCallbacks *CallbackList[FilterSortFunction]
	chatCallbacks       *CallbackList[ChatMessageFunction]
}

func NewWorkspaceCache(settings *CollabSettings) *WorkspaceCache {
	return &WorkspaceCache{
		settings:            settings,
		viewRows:            map[string]map[string]*RowSnapshot{},
		filterSort:          map[string]*FilterSortUpdateEvent{},
		chatLog:             []*ChatMessageEvent{},
		filterSortCallbacks: NewCallbackList[FilterSortFunction](),
		chatCallbacks:       NewCallbackList[ChatMessageFunction](),
	}
}

// the rendering layer owns which views are loaded
func (self *WorkspaceCache) LoadRows(viewId string, rows []*RowSnapshot) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	viewRows := map[string]*RowSnapshot{}
	for _, row := range rows {
		viewRows[row.RowId] = row.copy()
	}
	self.viewRows[viewId] = viewRows
}

func (self *WorkspaceCache) UnloadView(viewId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.viewRows, viewId)
}

func (self *WorkspaceCache) Row(viewId string, rowId string) (*RowSnapshot, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	viewRows, ok := self.viewRows[viewId]
	if !ok {
		return nil, false
	}
	row, ok := viewRows[rowId]
	if !ok {
		return nil, false
	}
	return row.copy(), true
}

// copies, ordered by row id
func (self *WorkspaceCache) Rows(viewId string) []*RowSnapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	viewRows, ok := self.viewRows[viewId]
	if !ok {
		return nil
	}
	rowIds := maps.Keys(viewRows)
	slices.Sort(rowIds)
	rows := make([]*RowSnapshot, 0, len(rowIds))
	for _, rowId := range rowIds {
		rows = append(rows, viewRows[rowId].copy())
	}
	return rows
}

// last write wins by the event's version. The row's version never moves
// backwards; an update below the cached version is dropped.
func (self *WorkspaceCache) applyRowUpdate(event *RowUpdateEvent) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	viewRows, ok := self.viewRows[event.ViewId]
	if !ok {
		glog.V(frameTraceV).Infof("[dsp]drop row update for unloaded view %s\n", event.ViewId)
		return
	}
	row, ok := viewRows[event.RowId]
	if !ok {
		glog.V(frameTraceV).Infof("[dsp]drop row update for unknown row %s\n", event.RowId)
		return
	}
	if event.RowVersion < row.Version {
		glog.Infof("[dsp]drop stale row update %s v%d < v%d\n", event.RowId, event.RowVersion, row.Version)
		return
	}
	row.Fields[event.ColumnName] = event.Value
	row.Version = event.RowVersion
}

func (self *WorkspaceCache) setFilterSort(event *FilterSortUpdateEvent) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.filterSort[event.ViewId] = event
	}()
	for _, callback := range self.filterSortCallbacks.Get() {
		callback(event)
	}
}

func (self *WorkspaceCache) FilterSort(viewId string) (*FilterSortUpdateEvent, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	update, ok := self.filterSort[viewId]
	return update, ok
}

// append only. Existing messages are never mutated or removed by events.
// `ChatLogCap` bounds memory on very long sessions (0 means unbounded).
func (self *WorkspaceCache) appendChatMessage(message *ChatMessageEvent) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.chatLog = append(self.chatLog, message)
		if chatLogCap := self.settings.ChatLogCap; 0 < chatLogCap && chatLogCap < len(self.chatLog) {
			self.chatLog = self.chatLog[len(self.chatLog)-chatLogCap:]
		}
	}()
	for _, callback := range self.chatCallbacks.Get() {
		callback(message)
	}
}

func (self *WorkspaceCache) ChatMessages() []*ChatMessageEvent {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	messages := make([]*ChatMessageEvent, len(self.chatLog))
	copy(messages, self.chatLog)
	return messages
}

func (self *WorkspaceCache) AddFilterSortCallback(filterSortCallback FilterSortFunction) func() {
	callbackId := self.filterSortCallbacks.Add(filterSortCallback)
	return func() {
		self.filterSortCallbacks.Remove(callbackId)
	}
}

func (self *WorkspaceCache) AddChatMessageCallback(chatMessageCallback ChatMessageFunction) func() {
	callbackId := self.chatCallbacks.Add(chatMessageCallback)
	return func() {
		self.chatCallbacks.Remove(callbackId)
	}
}
