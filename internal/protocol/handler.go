package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"taskd/internal/auth"
	"taskd/internal/job"
	"taskd/internal/store"
	logx "taskd/pkg/logx"
)

// Replies shared by several verbs.
const (
	ReplyNoData           = "ERROR: No data\n"
	ReplyUnknown          = "ERROR: Unknown command\n"
	ReplyNotAuthenticated = "ERROR: Not authenticated\n"
	ReplyInvalidPassword  = "ERROR: Invalid password\n"
	ReplyAuthenticated    = "OK: Authenticated\n"
	ReplyNotFound         = "ERROR: Task not found\n"
	ReplyInvalidID        = "ERROR: Invalid task id\n"
	ReplyInvalidTime      = "ERROR: Invalid time\n"
	ReplyInvalidTimeHint  = "ERROR: Invalid time (use HH:MM)\n"
	ReplyCommandEmpty     = "ERROR: Command empty\n"
	ReplyExecuted         = "ERROR: Cannot modify executed task\n"
	ReplyDeleted          = "OK: Task deleted\n"
	ReplyModified         = "OK: Task modified\n"
	ReplyInternal         = "ERROR: Internal error\n"
)

const timeLayout = "2006-01-02 15:04:05"

// Request outcomes used as the metrics "result" label.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultDenied  = "unauthenticated"
	ResultUnknown = "unknown"
)

// Observer receives one call per handled request.
type Observer interface {
	ObserveRequest(verb, result string, d time.Duration)
}

type Option func(*Handler)

func WithLogger(log logx.Logger) Option { return func(h *Handler) { h.log = log } }

func WithObserver(o Observer) Option { return func(h *Handler) { h.obs = o } }

// Handler turns one request line into one reply.
type Handler struct {
	store *store.Store
	auth  *auth.Authenticator
	log   logx.Logger
	obs   Observer
}

func NewHandler(st *store.Store, a *auth.Authenticator, opts ...Option) *Handler {
	h := &Handler{store: st, auth: a, log: logx.Nop()}
	for _, o := range opts {
		o(h)
	}
	return h
}

type verbFunc func(h *Handler, args string) (reply string, ok bool)

var verbs = map[string]verbFunc{
	"ADD":    (*Handler).add,
	"LIST":   (*Handler).list,
	"STATUS": (*Handler).status,
	"INFO":   (*Handler).info,
	"DELETE": (*Handler).delete,
	"MODIFY": (*Handler).modify,
}

// Handle processes one request from peer. The reply always ends with "\n".
func (h *Handler) Handle(peer, request string) string {
	start := time.Now()
	request = strings.TrimRight(request, "\r\n")

	verb, args := nextField(request)
	name := strings.ToUpper(verb)
	reply, result := h.dispatch(peer, name, args)

	label := name
	if _, known := verbs[name]; !known && name != "AUTH" {
		label = "UNKNOWN"
	}
	dur := time.Since(start)
	if h.obs != nil {
		h.obs.ObserveRequest(label, result, dur)
	}
	fields := []logx.Field{
		logx.String("verb", label),
		logx.String("peer", peer),
		logx.String("result", result),
		logx.Duration("dur", dur),
	}
	if dur >= 250*time.Millisecond {
		h.log.Info("request (slow)", fields...)
	} else {
		h.log.Debug("request", fields...)
	}
	return reply
}

func (h *Handler) dispatch(peer, verb, args string) (string, string) {
	if verb == "" {
		return ReplyNoData, ResultError
	}
	if verb == "AUTH" {
		password, _ := nextField(args)
		if h.auth.Authenticate(peer, password) {
			h.log.Info("auth ok", logx.String("peer", auth.PeerKey(peer)))
			return ReplyAuthenticated, ResultOK
		}
		h.log.Warn("auth failed", logx.String("peer", auth.PeerKey(peer)))
		return ReplyInvalidPassword, ResultError
	}
	if !h.auth.Authorized(peer) {
		return ReplyNotAuthenticated, ResultDenied
	}
	fn, ok := verbs[verb]
	if !ok {
		return ReplyUnknown, ResultUnknown
	}
	reply, success := fn(h, args)
	if success {
		return reply, ResultOK
	}
	return reply, ResultError
}

func (h *Handler) add(args string) (string, bool) {
	when, rest := nextField(args)
	command := strings.TrimLeft(rest, " \t")
	j, err := h.store.Add(command, when)
	switch {
	case err == nil:
		return fmt.Sprintf("OK: Task #%d added\n", j.ID), true
	case errors.Is(err, store.ErrEmptyCommand):
		return ReplyCommandEmpty, false
	case errors.Is(err, job.ErrInvalidTime):
		return ReplyInvalidTimeHint, false
	default:
		return h.internal("add", err)
	}
}

func (h *Handler) list(string) (string, bool) {
	jobs := h.store.List()
	var b strings.Builder
	fmt.Fprintf(&b, "TASKS: %d\n", len(jobs))
	for _, j := range jobs {
		fmt.Fprintf(&b, "ID:%d|CMD:%s|TIME:%s|STATUS:%s\n", j.ID, j.Command, j.Schedule, j.Status)
	}
	b.WriteString("END\n")
	return b.String(), true
}

func (h *Handler) status(string) (string, bool) {
	c := h.store.Counts()
	return fmt.Sprintf("STATUS:\nTotal:%d\nPending:%d\nRunning:%d\nCompleted:%d\nFailed:%d\nEND\n",
		c.Total, c.Pending, c.Running, c.Completed, c.Failed), true
}

func (h *Handler) info(args string) (string, bool) {
	id, ok := parseID(args)
	if !ok {
		return ReplyInvalidID, false
	}
	j, err := h.store.Get(id)
	if err != nil {
		return h.storeError("info", err)
	}
	executed := "No"
	if j.Executed {
		executed = "Yes"
	}
	var b strings.Builder
	b.WriteString("TASK INFO:\n")
	fmt.Fprintf(&b, "ID: %d\n", j.ID)
	fmt.Fprintf(&b, "Command: %s\n", j.Command)
	fmt.Fprintf(&b, "Schedule: %s\n", j.Schedule)
	fmt.Fprintf(&b, "Scheduled: %s\n", j.ScheduledAt.Format(timeLayout))
	fmt.Fprintf(&b, "Created: %s\n", j.CreatedAt.Format(timeLayout))
	fmt.Fprintf(&b, "Status: %s\n", j.Status)
	fmt.Fprintf(&b, "Executed: %s\n", executed)
	b.WriteString("END\n")
	return b.String(), true
}

func (h *Handler) delete(args string) (string, bool) {
	id, ok := parseID(args)
	if !ok {
		return ReplyInvalidID, false
	}
	if err := h.store.Delete(id); err != nil {
		return h.storeError("delete", err)
	}
	h.log.Info("task deleted", logx.Int("id", id))
	return ReplyDeleted, true
}

// modify: MODIFY <id> [<HH:MM>|-] [<command...>|-]
func (h *Handler) modify(args string) (string, bool) {
	idTok, rest := nextField(args)
	id, ok := parseID(idTok)
	if !ok {
		return ReplyInvalidID, false
	}
	when, rest := nextField(rest)
	command := strings.TrimLeft(rest, " \t")

	if _, err := h.store.Modify(id, &when, &command); err != nil {
		return h.storeError("modify", err)
	}
	h.log.Info("task modified", logx.Int("id", id))
	return ReplyModified, true
}

func (h *Handler) storeError(op string, err error) (string, bool) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ReplyNotFound, false
	case errors.Is(err, store.ErrExecutedImmutable):
		return ReplyExecuted, false
	case errors.Is(err, job.ErrInvalidTime):
		return ReplyInvalidTime, false
	default:
		return h.internal(op, err)
	}
}

func (h *Handler) internal(op string, err error) (string, bool) {
	h.log.Error("request failed", logx.String("op", op), logx.Err(err))
	return ReplyInternal, false
}

// nextField splits off the first whitespace-delimited token. rest starts
// right after the token.
func nextField(s string) (tok, rest string) {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i:]
}

func parseID(args string) (int, bool) {
	tok, _ := nextField(args)
	id, err := strconv.Atoi(tok)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
