package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/listenpipe/internal/listen"
	"github.com/MrWong99/listenpipe/internal/observe"
	"github.com/MrWong99/listenpipe/pkg/audio"
)

// feedReply answers every text message and every binary message that could
// not be decoded.
type feedReply struct {
	Accepted int    `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// rawFormat is the layout of headerless binary frames, taken from the
// ?rate= and ?channels= query parameters.
func rawFormat(r *http.Request) (rate, channels int, err error) {
	rate, channels = audio.SampleRate, 1
	q := r.URL.Query()
	if v := q.Get("rate"); v != "" {
		if rate, err = strconv.Atoi(v); err != nil || rate <= 0 {
			return 0, 0, fmt.Errorf("invalid rate %q", v)
		}
	}
	if v := q.Get("channels"); v != "" {
		if channels, err = strconv.Atoi(v); err != nil || channels <= 0 {
			return 0, 0, fmt.Errorf("invalid channels %q", v)
		}
	}
	return rate, channels, nil
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	rate, channels, err := rawFormat(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("feed upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.readLimit)

	log := observe.Logger(r.Context()).With("remote", r.RemoteAddr)
	seg := listen.NewSegmenter(s.segmenter...)
	f := &feed{
		session:  s.session,
		seg:      seg,
		pump:     listen.NewPump(seg, s.session, log),
		rate:     rate,
		channels: channels,
		log:      log,
	}
	log.Info("feed connected", "rate", rate, "channels", channels)

	err = f.serve(r.Context(), conn)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		conn.Close(websocket.StatusNormalClosure, "")
	case websocket.CloseStatus(err) == -1:
		log.Warn("feed closed", "error", err)
		conn.Close(websocket.StatusInternalError, "feed error")
	}
	log.Info("feed disconnected", "chunks", f.accepted)
}

// feed is one /ws/feed connection. Headerless and WAV audio run through a
// connection-local segmenter; JSON envelopes carry chunks segmented by the
// client and go straight to the session.
type feed struct {
	session  Session
	seg      *listen.Segmenter
	pump     *listen.Pump
	conv     audio.FormatConverter
	rate     int
	channels int
	log      *slog.Logger
	accepted int
}

// serve reads messages until the peer closes or ctx is done. Audio still
// buffered in the segmenter at that point is discarded.
func (f *feed) serve(ctx context.Context, conn *websocket.Conn) error {
	defer f.seg.Reset()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return nil
			}
			return err
		}

		reply, err := f.handle(typ, data)
		if err != nil {
			reply.Error = err.Error()
			f.log.Debug("feed message rejected", "error", err)
		}
		if typ != websocket.MessageText && err == nil {
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
		err = wsjson.Write(wctx, conn, reply)
		cancel()
		if err != nil {
			return err
		}
	}
}

func (f *feed) handle(typ websocket.MessageType, data []byte) (feedReply, error) {
	if typ == websocket.MessageText {
		var msg audio.ChunkMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return feedReply{}, fmt.Errorf("decode chunk message: %w", err)
		}
		if err := f.session.Offer(msg); err != nil {
			return feedReply{}, err
		}
		f.accepted++
		return feedReply{Accepted: 1}, nil
	}

	frame, err := f.decode(data)
	if err != nil {
		return feedReply{}, err
	}
	n := f.pump.Push(f.conv.Convert(frame))
	f.accepted += n
	return feedReply{Accepted: n}, nil
}

func (f *feed) decode(data []byte) (audio.Frame, error) {
	if audio.IsWAV(data) {
		return audio.DecodeWAV(bytes.NewReader(data))
	}
	samples, err := audio.DecodeFloat32LE(data)
	if err != nil {
		return audio.Frame{}, err
	}
	return audio.Frame{Samples: samples, SampleRate: f.rate, Channels: f.channels}, nil
}
