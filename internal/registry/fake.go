package registry

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/confkit/webconferencing/internal/channel"
)

// FakeServer is an in-memory stand-in for the server-side call registry,
// wired to the same remote-call endpoint real clients use. Tests and local
// development run against it; it mirrors the server's observable contract:
// create-if-absent, not-found on missing ids, and call_state fan-out to
// participants' user topics.
type FakeServer struct {
	tr        channel.Transport
	namespace string

	mu    sync.Mutex
	calls map[string]*CallRecord
}

type fakeRequest struct {
	ID    string          `json:"id"`
	Reply string          `json:"reply"`
	Data  json.RawMessage `json:"data"`
}

type fakeResponse struct {
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *channel.Error  `json:"error,omitempty"`
}

// NewFakeServer starts serving the calls endpoint of namespace on tr.
func NewFakeServer(tr channel.Transport, namespace string) (*FakeServer, error) {
	s := &FakeServer{tr: tr, namespace: namespace, calls: make(map[string]*CallRecord)}
	_, err := tr.Subscribe(context.Background(), namespace+"/calls", s.handle)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Record returns a copy of the stored record, if any.
func (s *FakeServer) Record(id string) (CallRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[id]
	if !ok {
		return CallRecord{}, false
	}
	return *rec, true
}

func (s *FakeServer) handle(b []byte) {
	var req fakeRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return
	}
	var params struct {
		Command      string `json:"command"`
		ID           string `json:"id"`
		State        State  `json:"state"`
		Owner        string `json:"owner"`
		OwnerType    string `json:"ownerType"`
		Provider     string `json:"provider"`
		Title        string `json:"title"`
		Participants string `json:"participants"`
	}
	if err := json.Unmarshal(req.Data, &params); err != nil {
		s.reply(req, nil, &channel.Error{Message: "bad request"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	notFound := &channel.Error{Code: CodeNotFound, Message: "call not found: " + params.ID}

	switch params.Command {
	case "get":
		rec, ok := s.calls[params.ID]
		if !ok {
			s.reply(req, nil, notFound)
			return
		}
		s.replyRecord(req, rec)
	case "create":
		if _, ok := s.calls[params.ID]; ok {
			s.reply(req, nil, &channel.Error{Code: "CALL_EXISTS", Message: "call already exists: " + params.ID})
			return
		}
		rec := &CallRecord{
			ID:        params.ID,
			Provider:  params.Provider,
			Title:     params.Title,
			Owner:     Identity{ID: params.Owner, Type: params.OwnerType},
			OwnerType: params.OwnerType,
			State:     StateStarted,
		}
		for _, p := range splitParticipants(params.Participants) {
			rec.Participants = append(rec.Participants, Identity{ID: p, Type: OwnerUser})
		}
		s.calls[params.ID] = rec
		s.replyRecord(req, rec)
		s.notifyParticipants(rec, "call_state", StateStarted)
	case "update":
		rec, ok := s.calls[params.ID]
		if !ok {
			s.reply(req, nil, notFound)
			return
		}
		rec.State = params.State
		s.replyRecord(req, rec)
		event := "call_state"
		if params.State == StateJoined {
			event = "call_joined"
		} else if params.State == StateLeaved {
			event = "call_leaved"
		}
		s.notifyParticipants(rec, event, params.State)
	case "delete":
		rec, ok := s.calls[params.ID]
		if !ok {
			s.reply(req, nil, notFound)
			return
		}
		delete(s.calls, params.ID)
		s.replyRecord(req, rec)
		s.notifyParticipants(rec, "call_state", StateStopped)
	case "get_calls_state":
		var states []UserCallState
		for _, rec := range s.calls {
			for _, p := range rec.Participants {
				if p.ID == params.ID {
					states = append(states, UserCallState{CallID: rec.ID, State: rec.State})
				}
			}
		}
		data, _ := json.Marshal(states)
		s.reply(req, data, nil)
	default:
		s.reply(req, nil, &channel.Error{Message: "unknown command: " + params.Command})
	}
}

func (s *FakeServer) replyRecord(req fakeRequest, rec *CallRecord) {
	data, _ := json.Marshal(rec)
	s.reply(req, data, nil)
}

func (s *FakeServer) reply(req fakeRequest, data json.RawMessage, cerr *channel.Error) {
	resp, _ := json.Marshal(fakeResponse{ID: req.ID, Data: data, Error: cerr})
	_ = s.tr.Publish(context.Background(), req.Reply, resp)
}

// notifyParticipants publishes a user-topic update to every participant,
// matching the shape the dispatcher consumes.
func (s *FakeServer) notifyParticipants(rec *CallRecord, eventType string, state State) {
	update := map[string]any{
		"eventType":    eventType,
		"callId":       rec.ID,
		"providerType": rec.Provider,
		"callState":    state,
		"owner":        rec.Owner,
	}
	payload, _ := json.Marshal(update)
	for _, p := range rec.Participants {
		_ = s.tr.Publish(context.Background(), s.namespace+"/user/"+p.ID, payload)
	}
}

func splitParticipants(joined string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(joined); i++ {
		if i == len(joined) || joined[i] == ';' {
			if i > start {
				out = append(out, joined[start:i])
			}
			start = i + 1
		}
	}
	return out
}
