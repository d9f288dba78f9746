package server

import "github.com/NicolasHaas/gochat/pkg/model"

// routerEvent is the closed set of events the router's mailbox handles.
type routerEvent interface {
	isRouterEvent()
}

type connectEvent struct {
	session  *ClientSession
	username string
	password string
}

type disconnectEvent struct {
	session *ClientSession
}

type listUsersEvent struct {
	from *ClientSession
	room string // empty = every online user
}

type listRoomsEvent struct {
	from *ClientSession
}

type sendMessageEvent struct {
	from        *ClientSession
	destination string // username or #room
	body        string
	sentAt      int64 // ms since epoch
}

type historyEvent struct {
	from    *ClientSession
	partner string // username or #room
	limit   int
	before  int64
}

type joinRoomEvent struct {
	from *ClientSession
	room string
}

type leaveRoomEvent struct {
	from *ClientSession
	room string
}

type dropRoomEvent struct {
	from *ClientSession
	room string
}

// deliveredEvent is posted by the recipient's writer once a direct message
// has been written to the recipient.
type deliveredEvent struct {
	msg model.DirectMessage
}

type shutdownEvent struct {
	done chan struct{}
}

func (connectEvent) isRouterEvent()     {}
func (disconnectEvent) isRouterEvent()  {}
func (listUsersEvent) isRouterEvent()   {}
func (listRoomsEvent) isRouterEvent()   {}
func (sendMessageEvent) isRouterEvent() {}
func (historyEvent) isRouterEvent()     {}
func (joinRoomEvent) isRouterEvent()    {}
func (leaveRoomEvent) isRouterEvent()   {}
func (dropRoomEvent) isRouterEvent()    {}
func (deliveredEvent) isRouterEvent()   {}
func (shutdownEvent) isRouterEvent()    {}
