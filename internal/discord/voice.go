package discord

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/voxbridge/voxbridge/internal/event"
)

// endTimeout bounds per-session teardown when leaving a voice channel.
const endTimeout = 5 * time.Second

// VoiceBridge connects one voice channel to the pipeline. Incoming Opus
// packets are demuxed by SSRC; each speaking participant gets their own
// session. All sessions share one outbound audio stream back into the
// channel.
type VoiceBridge struct {
	agentID string
	start   StartFunc
	sender  *opusSender
	log     *slog.Logger

	mu           sync.Mutex
	participants map[uint32]Session
	users        map[uint32]string

	disconnect func() error
	done       chan struct{}
	leaveOnce  sync.Once
}

// JoinVoice joins the channel and starts bridging audio.
func JoinVoice(s *discordgo.Session, guildID, channelID, agentID string, start StartFunc, log *slog.Logger) (*VoiceBridge, error) {
	vc, err := s.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, err
	}

	b := newVoiceBridge(agentID, start, log)
	b.disconnect = vc.Disconnect
	b.sender.attach(vc.OpusSend, vc.Speaking)

	vc.AddHandler(func(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
		b.mapUser(uint32(vs.SSRC), vs.UserID)
	})
	go b.recvLoop(vc.OpusRecv)

	log.Info("discord: joined voice channel", "guild_id", guildID, "channel_id", channelID, "agent_id", agentID)
	return b, nil
}

func newVoiceBridge(agentID string, start StartFunc, log *slog.Logger) *VoiceBridge {
	done := make(chan struct{})
	return &VoiceBridge{
		agentID:      agentID,
		start:        start,
		sender:       newOpusSender(done),
		log:          log,
		participants: make(map[uint32]Session),
		users:        make(map[uint32]string),
		done:         done,
	}
}

// Participants returns the number of live voice sessions.
func (b *VoiceBridge) Participants() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.participants)
}

// Leave ends every participant session and disconnects from the channel.
func (b *VoiceBridge) Leave(ctx context.Context) {
	b.leaveOnce.Do(func() {
		close(b.done)

		b.mu.Lock()
		sessions := make([]Session, 0, len(b.participants))
		for _, sess := range b.participants {
			sessions = append(sessions, sess)
		}
		b.participants = make(map[uint32]Session)
		b.mu.Unlock()

		for _, sess := range sessions {
			endCtx, cancel := context.WithTimeout(ctx, endTimeout)
			if err := sess.End(endCtx); err != nil {
				b.log.Warn("discord: session end failed", "err", err)
			}
			cancel()
		}

		b.sender.stop()
		if b.disconnect != nil {
			if err := b.disconnect(); err != nil {
				b.log.Warn("discord: voice disconnect failed", "err", err)
			}
		}
		b.log.Info("discord: left voice channel")
	})
}

// mapUser records the SSRC to user id mapping from a speaking update. The
// mapping must land before the user's first packet opens a session, which
// Discord guarantees by sending the speaking update first.
func (b *VoiceBridge) mapUser(ssrc uint32, userID string) {
	b.mu.Lock()
	b.users[ssrc] = userID
	b.mu.Unlock()
}

func (b *VoiceBridge) recvLoop(recv <-chan *discordgo.Packet) {
	for {
		select {
		case <-b.done:
			return
		case pkt, ok := <-recv:
			if !ok {
				return
			}
			if pkt == nil || len(pkt.Opus) == 0 {
				continue
			}
			b.handlePacket(pkt.SSRC, pkt.Opus)
		}
	}
}

// handlePacket feeds one Opus packet into the speaker's session, opening it
// on first contact.
func (b *VoiceBridge) handlePacket(ssrc uint32, opus []byte) {
	sess := b.sessionFor(ssrc)
	if sess == nil {
		return
	}
	sess.PushAudio(opus)
}

func (b *VoiceBridge) sessionFor(ssrc uint32) Session {
	b.mu.Lock()
	if sess, ok := b.participants[ssrc]; ok {
		b.mu.Unlock()
		return sess
	}
	userID, ok := b.users[ssrc]
	if !ok {
		userID = strconv.FormatUint(uint64(ssrc), 10)
	}
	b.mu.Unlock()

	link := &voiceLink{sender: b.sender, log: b.log.With("user_id", userID)}
	sess, err := b.start(context.Background(), userID, b.agentID, link)
	if err != nil {
		b.log.Error("discord: session start failed", "user_id", userID, "err", err)
		return nil
	}
	if err := sess.SetFormat("opus"); err != nil {
		b.log.Error("discord: format negotiation failed", "user_id", userID, "err", err)
	}

	b.mu.Lock()
	if existing, ok := b.participants[ssrc]; ok {
		// Lost the race against another packet; keep the first session.
		b.mu.Unlock()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), endTimeout)
			defer cancel()
			_ = sess.End(ctx)
		}()
		return existing
	}
	b.participants[ssrc] = sess
	b.mu.Unlock()

	b.log.Info("discord: voice session opened", "user_id", userID, "ssrc", ssrc)
	return sess
}

// voiceLink adapts a pipeline session's outputs to the shared voice stream.
// Synthesized audio is re-encoded for the channel; conversational events have
// no rendering surface here, so only failures are surfaced in the log.
type voiceLink struct {
	sender *opusSender
	log    *slog.Logger
}

func (l *voiceLink) Deliver(ev event.Event) error {
	if ev.Kind == event.KindServiceError {
		if data, ok := ev.Payload.(event.ServiceError); ok {
			l.log.Warn("discord: pipeline error", "source", data.Source, "err", data.Message)
		}
	}
	return nil
}

func (l *voiceLink) SendAudio(chunk []byte) error {
	return l.sender.write(chunk)
}
