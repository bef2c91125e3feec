package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/events"
	"github.com/loqalabs/loqa-voice/internal/playback"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/provider"
	"github.com/loqalabs/loqa-voice/internal/voice"
	"github.com/nats-io/nats.go"
	"github.com/rs/xid"
)

var errUnknownKind = errors.New("unknown request kind")

// Service exposes a Provider on the NATS bus: it accepts requests, answers
// voice and silence queries, and fans provider events out to subscribers.
type Service struct {
	cfg      config.ServiceConfig
	playback config.PlaybackConfig
	bus      *bus.Client
	provider *provider.Provider
	events   *events.Bus

	subs        []*nats.Subscription
	unsubscribe func()
	wg          sync.WaitGroup
	logger      *slog.Logger
}

func NewService(cfg config.ServiceConfig, pb config.PlaybackConfig, busClient *bus.Client, prov *provider.Provider, evBus *events.Bus, log *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		playback: pb,
		bus:      busClient,
		provider: prov,
		events:   evBus,
		logger:   log.With(slog.String("component", "voice-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	conn := s.bus.Conn()
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectRequest: s.handleRequest,
		protocol.SubjectSilence: s.handleSilence,
		protocol.SubjectStart:   s.handleStart,
		protocol.SubjectVoices:  s.handleVoices,
	}
	for subject, handler := range handlers {
		sub, err := conn.Subscribe(subject, handler)
		if err != nil {
			s.drain()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.unsubscribe = s.events.Subscribe(s.forward)
	return nil
}

func (s *Service) Close() {
	s.drain()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.wg.Wait()
}

func (s *Service) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || len(s.subs) > 0 }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speak request", slogError(err))
		s.reply(msg, protocol.SpeakAck{Error: err.Error()})
		return
	}
	if req.RequestID == "" {
		req.RequestID = xid.New().String()
	}

	task, err := s.dispatch(req)
	if err != nil {
		s.logger.Warn("speak request refused", slog.String("request_id", req.RequestID), slogError(err))
		s.reply(msg, protocol.SpeakAck{RequestID: req.RequestID, Error: err.Error()})
		return
	}
	s.reply(msg, protocol.SpeakAck{RequestID: task.ID, Accepted: true})
}

func (s *Service) dispatch(req protocol.SpeakRequest) (*provider.Task, error) {
	r := provider.NewRequest(req.Text)
	r.ID = req.RequestID
	r.SSML = req.SSML
	r.Voice = voice.Selector{Name: req.Voice, Identifier: req.VoiceID, Culture: req.Culture}
	if req.Rate != nil {
		r.Rate = *req.Rate
	}
	if req.Pitch != nil {
		r.Pitch = *req.Pitch
	}
	if req.Volume != nil {
		r.Volume = *req.Volume
	}
	r.OutputPath = req.OutputPath
	r.Immediate = req.Immediate

	switch req.Kind {
	case protocol.KindNative:
		return s.provider.SpeakNative(r), nil
	case protocol.KindGenerate:
		return s.provider.Generate(r), nil
	case protocol.KindSpeak, "":
		sink, closeSink, err := s.sink(req)
		if err != nil {
			return nil, err
		}
		r.Sink = sink
		task := s.provider.Speak(r)
		if closeSink != nil {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				<-task.Done()
				if err := closeSink(); err != nil {
					s.logger.Debug("close sink", slog.String("request_id", task.ID), slogError(err))
				}
			}()
		}
		return task, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownKind, req.Kind)
	}
}

// sink builds the playback target for a speak request. A request that names
// a target always streams over the bus.
func (s *Service) sink(req protocol.SpeakRequest) (playback.Sink, func() error, error) {
	chunk := time.Duration(s.playback.ChunkDurationMS) * time.Millisecond
	if req.Target != "" {
		return playback.NewBusSink(s.bus, req.Target, req.RequestID, chunk, s.logger), nil, nil
	}
	switch s.playback.Sink {
	case "exec":
		sink, err := playback.NewExecSink(s.playback.PlayerCommand, s.logger)
		if err != nil {
			return nil, nil, err
		}
		return sink, sink.Close, nil
	case "bus":
		return playback.NewBusSink(s.bus, s.playback.BusTarget, req.RequestID, chunk, s.logger), nil, nil
	default:
		return playback.NewNullSink(), nil, nil
	}
}

func (s *Service) handleSilence(msg *nats.Msg) {
	var req protocol.SilenceRequest
	if len(strings.TrimSpace(string(msg.Data))) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn("failed to decode silence request", slogError(err))
			return
		}
	}
	var cancelled int
	if req.RequestID == "" {
		cancelled = s.provider.Silence()
	} else if s.provider.SilenceRequest(req.RequestID) {
		cancelled = 1
	}
	s.reply(msg, protocol.SilenceReply{Cancelled: cancelled})
}

func (s *Service) handleStart(msg *nats.Msg) {
	var req protocol.StartRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode start request", slogError(err))
		return
	}
	task, ok := s.provider.Task(req.RequestID)
	if ok {
		task.Start()
	}
	s.reply(msg, protocol.SpeakAck{RequestID: req.RequestID, Accepted: ok})
}

func (s *Service) handleVoices(msg *nats.Msg) {
	voices := s.provider.Voices()
	reply := protocol.VoicesReply{
		Voices:   make([]protocol.VoiceInfo, 0, len(voices)),
		Cultures: s.provider.Cultures(),
		Ready:    s.provider.Catalog().Ready(),
	}
	for _, v := range voices {
		reply.Voices = append(reply.Voices, protocol.VoiceInfo{
			Name:        v.Name,
			Description: v.Description,
			Gender:      v.Gender,
			Age:         v.Age,
			Culture:     v.Culture,
			Identifier:  v.Identifier,
		})
	}
	s.reply(msg, reply)
}

// forward publishes a provider event on its kind's subject.
func (s *Service) forward(evt events.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		s.logger.Warn("failed to marshal event", slogError(err))
		return
	}
	if err := s.bus.Publish(protocol.EventSubject(string(evt.Kind)), data); err != nil {
		s.logger.Warn("failed to publish event", slog.String("kind", string(evt.Kind)), slogError(err))
	}
}

func (s *Service) reply(msg *nats.Msg, payload any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
