package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/NicolasHaas/gochat/pkg/crypto"
	"github.com/NicolasHaas/gochat/pkg/datastore"
	"github.com/NicolasHaas/gochat/pkg/logging"
	"github.com/NicolasHaas/gochat/pkg/mailbox"
	"github.com/NicolasHaas/gochat/pkg/model"
	"github.com/NicolasHaas/gochat/pkg/protocol"
	pb "github.com/NicolasHaas/gochat/pkg/protocol/pb"
	"github.com/NicolasHaas/gochat/pkg/rbac"
	"github.com/NicolasHaas/gochat/pkg/registry"
)

// Router is the central actor. It authenticates connections, owns the
// session registry and routes every client request. Its state is only
// touched from its mailbox worker; store calls go through the gateway and
// their completions are re-posted onto the mailbox.
type Router struct {
	mb       *mailbox.Mailbox[routerEvent]
	sessions *registry.Registry[*ClientSession]
	gw       *datastore.Gateway
	metrics  *Metrics
	log      *slog.Logger

	joinHistoryLimit int

	// Router goroutine only.
	pending map[*ClientSession]struct{}       // authenticating
	outbox  map[string][]model.DirectMessage // per recipient, head in flight
	closed  bool
}

// NewRouter creates a router and starts its mailbox.
func NewRouter(gw *datastore.Gateway, metrics *Metrics, joinHistoryLimit int) *Router {
	if metrics == nil {
		metrics = NewMetrics()
	}
	r := &Router{
		mb:               mailbox.New[routerEvent]("router"),
		sessions:         registry.New[*ClientSession](),
		gw:               gw,
		metrics:          metrics,
		log:              logging.For("router"),
		joinHistoryLimit: joinHistoryLimit,
		pending:          make(map[*ClientSession]struct{}),
		outbox:           make(map[string][]model.DirectMessage),
	}
	r.mb.Start(r.handle)
	return r
}

func (r *Router) post(ev routerEvent) {
	if err := r.mb.Post(ev); err != nil {
		r.log.Debug("event dropped", "err", err)
	}
}

// Connect hands a handshaken session to the router for authentication.
func (r *Router) Connect(s *ClientSession, req pb.ConnectRequest) {
	if err := r.mb.Post(connectEvent{session: s, username: req.Username, password: req.Password}); err != nil {
		s.Shutdown()
	}
}

// Shutdown drains the registry and shuts every session down. It blocks until
// that is done and is safe to call more than once.
func (r *Router) Shutdown() {
	done := make(chan struct{})
	if err := r.mb.Post(shutdownEvent{done: done}); err != nil {
		return
	}
	select {
	case <-done:
	case <-r.mb.Done():
	}
}

// Online reports whether username has a live session.
func (r *Router) Online(username string) bool {
	_, ok := r.sessions.Lookup(username)
	return ok
}

func (r *Router) handle(ev routerEvent) {
	if r.closed {
		if c, ok := ev.(connectEvent); ok {
			c.session.Shutdown()
		}
		return
	}
	switch ev := ev.(type) {
	case connectEvent:
		r.handleConnect(ev)
	case disconnectEvent:
		r.handleDisconnect(ev)
	case listUsersEvent:
		r.handleListUsers(ev)
	case listRoomsEvent:
		r.handleListRooms(ev)
	case sendMessageEvent:
		r.handleSendMessage(ev)
	case historyEvent:
		r.handleHistory(ev)
	case joinRoomEvent:
		r.handleJoinRoom(ev)
	case leaveRoomEvent:
		r.handleLeaveRoom(ev)
	case dropRoomEvent:
		r.handleDropRoom(ev)
	case deliveredEvent:
		r.handleDelivered(ev)
	case shutdownEvent:
		r.handleShutdown(ev)
	default:
		r.log.Warn("unhandled event", "event", ev)
	}
}

// submit runs a store call on the gateway and continues on the router's
// own goroutine.
func submit[T any](r *Router, op string, call func(ctx context.Context, st datastore.DataStore) (T, error), then func(T, error)) {
	datastore.Submit(r.gw, op, call, func(v T, err error) {
		r.complete(op, err, func() { then(v, err) })
	})
}

// exec is submit for store calls without a result.
func (r *Router) exec(op string, call func(ctx context.Context, st datastore.DataStore) error, then func(error)) {
	datastore.Exec(r.gw, op, call, func(err error) {
		r.complete(op, err, func() { then(err) })
	})
}

// complete runs fn on the router goroutine unless the router has shut down.
func (r *Router) complete(op string, err error, fn func()) {
	if err != nil && !errors.Is(err, datastore.ErrGatewayClosed) {
		r.metrics.PersistFailures.Add(1)
	}
	if perr := r.mb.Do(func() {
		if r.closed {
			return
		}
		fn()
	}); perr != nil {
		r.log.Debug("completion dropped", "op", op)
	}
}

// ---- Connect / disconnect ----

type authResult struct {
	accepted bool
	existed  bool
}

func (r *Router) handleConnect(ev connectEvent) {
	s := ev.session
	if ev.username == "" {
		r.log.Info("connect rejected: missing username", "remote", remoteString(s.transport.RemoteAddr()))
		r.reject(s, false)
		return
	}
	if err := model.ValidateUsername(ev.username); err != nil {
		r.log.Info("connect rejected", "user", ev.username, "err", err)
		r.reject(s, false)
		return
	}
	if err := protocol.Validate(&pb.ConnectRequest{Username: ev.username, Password: ev.password}); err != nil {
		r.log.Info("connect rejected", "user", ev.username, "err", err)
		r.reject(s, false)
		return
	}

	// Hashing is expensive; it runs on the gateway, never on the router.
	r.pending[s] = struct{}{}
	submit(r, "authenticate", func(ctx context.Context, st datastore.DataStore) (authResult, error) {
		return authenticate(ctx, st, ev.username, ev.password)
	}, func(res authResult, err error) {
		delete(r.pending, s)
		switch {
		case err != nil:
			r.reject(s, false)
		case !res.accepted:
			r.log.Info("connect rejected: wrong password", "user", ev.username)
			r.reject(s, true)
		default:
			r.accept(s, ev.username, res.existed)
		}
	})
}

// authenticate verifies the password of an existing account or creates the
// account on first sight.
func authenticate(ctx context.Context, st datastore.DataStore, username, password string) (authResult, error) {
	acct, err := st.GetAccount(ctx, username)
	if err != nil {
		return authResult{}, err
	}
	if acct != nil {
		return authResult{accepted: crypto.VerifyPassword(password, acct.Salt, acct.Hash), existed: true}, nil
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return authResult{}, err
	}
	_, err = st.CreateAccount(ctx, username, crypto.HashPassword(password, salt), salt)
	if errors.Is(err, datastore.ErrAccountExists) {
		// Lost a race with a concurrent first login; verify against the winner.
		acct, err = st.GetAccount(ctx, username)
		if err != nil || acct == nil {
			return authResult{}, errors.Join(err, datastore.ErrAccountExists)
		}
		return authResult{accepted: crypto.VerifyPassword(password, acct.Salt, acct.Hash), existed: true}, nil
	}
	if err != nil {
		return authResult{}, err
	}
	return authResult{accepted: true}, nil
}

func (r *Router) reject(s *ClientSession, userExists bool) {
	r.metrics.FailedAuths.Add(1)
	go s.reject(pb.ConnectionResult{Success: false, UserExists: userExists})
}

func (r *Router) accept(s *ClientSession, username string, existed bool) {
	if !s.activate(username) {
		r.log.Debug("session closed during authentication", "user", username)
		return
	}
	prev, replaced, err := r.sessions.Add(username, s)
	if err != nil {
		s.Shutdown()
		return
	}
	if replaced && prev != s {
		r.metrics.Evictions.Add(1)
		r.log.Info("evicting previous session", "user", username)
		go prev.Shutdown()
	}
	r.metrics.SuccessfulAuths.Add(1)
	r.metrics.ActiveSessions.Store(int64(r.sessions.Len()))
	r.log.Info("user connected", "user", username, "existing", existed)

	s.SendConnectionResult(true, existed)
	r.replayUndelivered(s)
}

func (r *Router) replayUndelivered(s *ClientSession) {
	username := s.Username()
	submit(r, "undelivered", func(ctx context.Context, st datastore.DataStore) ([]model.DirectMessage, error) {
		return st.UndeliveredFor(ctx, username)
	}, func(msgs []model.DirectMessage, err error) {
		if err != nil {
			return
		}
		if cur, ok := r.sessions.Lookup(username); !ok || cur != s {
			// A newer session replays for itself.
			return
		}
		for _, m := range msgs {
			r.metrics.ReplayedMessages.Add(1)
			r.deliverDirect(m)
		}
	})
}

func (r *Router) handleDisconnect(ev disconnectEvent) {
	username := ev.session.Username()
	if username == "" {
		return
	}
	removed, err := r.sessions.RemoveIf(username, ev.session)
	if err != nil || !removed {
		return
	}
	r.metrics.ActiveSessions.Store(int64(r.sessions.Len()))
	r.log.Info("user disconnected", "user", username)
}

// ---- Listing ----

func (r *Router) handleListUsers(ev listUsersEvent) {
	if ev.room == "" {
		names, err := r.sessions.List()
		if err != nil {
			return
		}
		ev.from.SendUserList("", lo.Map(names, func(n string, _ int) pb.UserInfo {
			return pb.UserInfo{Username: n, Online: true}
		}))
		return
	}
	submit(r, "room members", func(ctx context.Context, st datastore.DataStore) ([]string, error) {
		return st.RoomMembers(ctx, ev.room)
	}, func(members []string, err error) {
		if err != nil {
			members = nil
		}
		ev.from.SendUserList(ev.room, lo.Map(members, func(n string, _ int) pb.UserInfo {
			return pb.UserInfo{Username: n, Online: r.Online(n)}
		}))
	})
}

func (r *Router) handleListRooms(ev listRoomsEvent) {
	submit(r, "list rooms", func(ctx context.Context, st datastore.DataStore) ([]model.Room, error) {
		return st.ListRooms(ctx)
	}, func(rooms []model.Room, err error) {
		if err != nil {
			rooms = nil
		}
		ev.from.SendRoomList(lo.Map(rooms, func(room model.Room, _ int) string { return room.Name }))
	})
}

// ---- Messages ----

func (r *Router) handleSendMessage(ev sendMessageEvent) {
	sender := ev.from.Username()
	if model.IsRoomName(ev.destination) {
		r.sendRoomMessage(sender, ev)
		return
	}
	if err := model.ValidateUsername(ev.destination); err != nil {
		r.log.Warn("message to invalid destination dropped", "user", sender, "destination", ev.destination, "err", err)
		return
	}

	msg := model.DirectMessage{
		ID:          uuid.NewString(),
		Sender:      sender,
		Destination: ev.destination,
		Body:        ev.body,
		SentAt:      ev.sentAt,
	}
	if err := msg.Validate(); err != nil {
		r.log.Warn("invalid message dropped", "user", sender, "err", err)
		return
	}
	r.metrics.DirectMessages.Add(1)

	// Messages to one recipient are persisted one at a time so that replay
	// and live delivery follow send order.
	q, busy := r.outbox[msg.Destination]
	r.outbox[msg.Destination] = append(q, msg)
	if !busy {
		r.persistNext(msg.Destination)
	}
}

func (r *Router) persistNext(recipient string) {
	q := r.outbox[recipient]
	if len(q) == 0 {
		delete(r.outbox, recipient)
		return
	}
	msg := q[0]
	r.exec("add direct message", func(ctx context.Context, st datastore.DataStore) error {
		m := msg
		return st.AddDirectMessage(ctx, &m)
	}, func(error) {
		// Live delivery goes ahead even when persisting failed.
		r.deliverDirect(msg)
		r.outbox[recipient] = r.outbox[recipient][1:]
		r.persistNext(recipient)
	})
}

// deliverDirect pushes msg to its recipient when online. The recipient's
// writer acknowledges by posting a deliveredEvent.
func (r *Router) deliverDirect(msg model.DirectMessage) {
	dest, ok := r.sessions.Lookup(msg.Destination)
	if !ok {
		return
	}
	dest.SendNewMessage(pb.NewMessage{
		Username:  msg.Sender,
		Message:   msg.Body,
		Online:    r.Online(msg.Sender),
		Timestamp: msg.SentAt,
	}, func() {
		r.post(deliveredEvent{msg: msg})
	})
}

func (r *Router) handleDelivered(ev deliveredEvent) {
	msg := ev.msg
	r.metrics.Deliveries.Add(1)
	r.exec("mark delivered", func(ctx context.Context, st datastore.DataStore) error {
		return st.MarkDelivered(ctx, msg.ID)
	}, func(err error) {
		// Still undelivered in the store, so it is replayed on the next
		// connect; the sender is acknowledged then.
		if err != nil {
			r.log.Warn("delivery not recorded, ack withheld", "id", msg.ID, "to", msg.Destination, "err", err)
			return
		}
		if sender, ok := r.sessions.Lookup(msg.Sender); ok {
			sender.SendMessageSent(msg.Destination)
		}
	})
}

type roomPost struct {
	allowed bool
	members []string
}

func (r *Router) sendRoomMessage(sender string, ev sendMessageEvent) {
	msg := model.RoomMessage{Sender: sender, Room: ev.destination, Body: ev.body, SentAt: ev.sentAt}
	if err := msg.Validate(); err != nil {
		r.log.Warn("invalid message dropped", "user", sender, "room", msg.Room, "err", err)
		return
	}

	submit(r, "add room message", func(ctx context.Context, st datastore.DataStore) (roomPost, error) {
		role, err := st.RoomRole(ctx, msg.Room, sender)
		if err != nil {
			return roomPost{}, err
		}
		if !rbac.HasPermission(role, model.PermPostRoom) {
			return roomPost{}, nil
		}
		members, err := st.RoomMembers(ctx, msg.Room)
		if err != nil {
			return roomPost{}, err
		}
		// An admin who left keeps the role but not the membership.
		if !lo.Contains(members, sender) {
			return roomPost{}, nil
		}
		m := msg
		// Persist failures are reported but do not block live delivery.
		return roomPost{allowed: true, members: members}, st.AddRoomMessage(ctx, &m)
	}, func(post roomPost, _ error) {
		if !post.allowed {
			r.log.Warn("room message dropped: not a member", "user", sender, "room", msg.Room)
			return
		}
		r.metrics.RoomMessages.Add(1)
		for _, member := range post.members {
			if member == sender {
				continue
			}
			if s, ok := r.sessions.Lookup(member); ok {
				s.SendNewMessage(pb.NewMessage{
					Room:      msg.Room,
					Username:  sender,
					Message:   msg.Body,
					Online:    true,
					Timestamp: msg.SentAt,
				}, nil)
			}
		}
	})
}

// ---- History ----

func (r *Router) handleHistory(ev historyEvent) {
	requester := ev.from.Username()
	filter := model.HistoryFilter{Limit: ev.limit, Before: ev.before}
	if model.IsRoomName(ev.partner) {
		r.sendRoomHistory(ev.from, ev.partner, filter)
		return
	}
	submit(r, "direct history", func(ctx context.Context, st datastore.DataStore) ([]model.DirectMessage, error) {
		return st.DirectHistory(ctx, requester, ev.partner, filter)
	}, func(msgs []model.DirectMessage, err error) {
		if err != nil {
			msgs = nil
		}
		ev.from.SendHistory(lo.Map(msgs, func(m model.DirectMessage, _ int) pb.HistoryItem {
			return pb.HistoryItem{Sender: m.Sender, Destination: m.Destination, Message: m.Body, Timestamp: m.SentAt}
		}))
	})
}

func (r *Router) sendRoomHistory(to *ClientSession, room string, filter model.HistoryFilter) {
	submit(r, "room history", func(ctx context.Context, st datastore.DataStore) ([]model.RoomMessage, error) {
		return st.RoomHistory(ctx, room, filter)
	}, func(msgs []model.RoomMessage, err error) {
		if err != nil {
			msgs = nil
		}
		to.SendHistory(lo.Map(msgs, func(m model.RoomMessage, _ int) pb.HistoryItem {
			return pb.HistoryItem{Sender: m.Sender, Destination: m.Room, Message: m.Body, Timestamp: m.SentAt}
		}))
	})
}

// ---- Rooms ----

func (r *Router) handleJoinRoom(ev joinRoomEvent) {
	user := ev.from.Username()
	if err := model.ValidateRoomName(ev.room); err != nil {
		r.log.Warn("join with invalid room name ignored", "user", user, "room", ev.room, "err", err)
		return
	}
	submit(r, "join room", func(ctx context.Context, st datastore.DataStore) (bool, error) {
		return st.JoinOrCreateRoom(ctx, ev.room, user)
	}, func(existed bool, err error) {
		if err != nil {
			return
		}
		if !existed {
			r.metrics.RoomsCreated.Add(1)
			r.log.Info("room created", "room", ev.room, "admin", user)
		}
		ev.from.SendRoomJoined(ev.room, existed)
		if r.joinHistoryLimit > 0 {
			r.sendRoomHistory(ev.from, ev.room, model.HistoryFilter{Limit: r.joinHistoryLimit})
		}
	})
}

func (r *Router) handleLeaveRoom(ev leaveRoomEvent) {
	user := ev.from.Username()
	submit(r, "leave room", func(ctx context.Context, st datastore.DataStore) (bool, error) {
		role, err := st.RoomRole(ctx, ev.room, user)
		if err != nil {
			return false, err
		}
		if msg := rbac.RequirePermission(role, model.PermLeaveRoom); msg != "" {
			return false, nil
		}
		return st.RemoveMember(ctx, ev.room, user)
	}, func(left bool, err error) {
		ev.from.SendRoomLeft(ev.room, left && err == nil)
	})
}

func (r *Router) handleDropRoom(ev dropRoomEvent) {
	user := ev.from.Username()
	submit(r, "drop room", func(ctx context.Context, st datastore.DataStore) (bool, error) {
		role, err := st.RoomRole(ctx, ev.room, user)
		if err != nil {
			return false, err
		}
		if !rbac.HasPermission(role, model.PermDropRoom) {
			return false, nil
		}
		return st.DropRoom(ctx, ev.room, user)
	}, func(dropped bool, err error) {
		ok := dropped && err == nil
		if ok {
			r.metrics.RoomsDropped.Add(1)
			r.log.Info("room dropped", "room", ev.room, "admin", user)
		}
		ev.from.SendRoomDropped(ev.room, ok)
	})
}

// ---- Shutdown ----

func (r *Router) handleShutdown(ev shutdownEvent) {
	r.closed = true
	sessions, err := r.sessions.DrainAll()
	if err != nil {
		r.log.Warn("drain sessions", "err", err)
	}
	start := time.Now()
	for _, s := range sessions {
		s.Shutdown()
	}
	for s := range r.pending {
		s.Shutdown()
	}
	clear(r.pending)
	clear(r.outbox)
	r.metrics.ActiveSessions.Store(0)
	r.log.Info("router stopped", "sessions", len(sessions), "took", time.Since(start))
	close(ev.done)
	r.mb.Stop()
}
