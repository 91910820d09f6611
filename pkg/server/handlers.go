package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/rhuss/sitehost/pkg/api"
)

// FileHandler serves files below root for GET and HEAD. Directories serve
// their index.html. Paths are cleaned before they are joined with root, so
// a route cannot escape it.
func FileHandler(root string) api.Handler {
	return api.HandlerFunc(func(_ context.Context, msg *api.Message, w api.Responder) error {
		if msg.Verb != api.VerbGet && msg.Verb != api.VerbHead {
			msg.Status = http.StatusMethodNotAllowed
			msg.Header.Set("Allow", "GET, HEAD")
			return w.Send(msg)
		}

		name, info, err := resolveFile(root, msg.Route)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return api.NewNotFoundError("no such file")
			}
			return err
		}

		msg.Status = http.StatusOK
		if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
			msg.ContentType = ct
		}
		msg.Header.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))

		if msg.Verb == api.VerbHead {
			return w.Send(msg)
		}
		f, err := os.Open(name)
		if err != nil {
			return err
		}
		msg.Response.SetFile(f, info.Size())
		return w.Send(msg)
	})
}

// FileModTime reports modification times of the files FileHandler serves,
// for conditional GET.
func FileModTime(root string) func(route string) (time.Time, bool) {
	return func(route string) (time.Time, bool) {
		_, info, err := resolveFile(root, route)
		if err != nil {
			return time.Time{}, false
		}
		return info.ModTime(), true
	}
}

func resolveFile(root, route string) (string, os.FileInfo, error) {
	name := filepath.Join(root, filepath.FromSlash(path.Clean("/"+route)))
	info, err := os.Stat(name)
	if err != nil {
		return "", nil, err
	}
	if info.IsDir() {
		name = filepath.Join(name, "index.html")
		if info, err = os.Stat(name); err != nil {
			return "", nil, err
		}
	}
	if !info.Mode().IsRegular() {
		return "", nil, fs.ErrNotExist
	}
	return name, info, nil
}

// HealthHandler answers with the lifecycle state and the number of open
// streams and channels. It reports 503 unless the server is running.
func (s *Server) HealthHandler() api.Handler {
	return api.HandlerFunc(func(_ context.Context, msg *api.Message, w api.Responder) error {
		state := s.State()
		body := struct {
			Status   api.ServerState `json:"status"`
			Sites    int             `json:"sites"`
			Streams  int             `json:"streams"`
			Channels int             `json:"channels"`
		}{Status: state, Sites: s.sites.Len()}
		if s.streams != nil {
			body.Streams = s.streams.Count()
		}
		if s.bridge != nil {
			body.Channels = s.bridge.Count()
		}

		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		msg.Status = http.StatusOK
		if state != api.ServerRunning {
			msg.Status = http.StatusServiceUnavailable
		}
		msg.ContentType = "application/json"
		msg.Header.Set("Cache-Control", "no-store")
		msg.Response.SetBytes(data)
		return w.Send(msg)
	})
}

// AcceptStreams initializes every subscription and keeps it open. The
// heartbeat keeps it alive until the client leaves or the server stops.
func AcceptStreams() api.StreamHandler {
	return api.StreamHandlerFunc(func(_ context.Context, _ *api.Message, s api.Stream) api.Verdict {
		if err := s.Init(); err != nil {
			return api.NotHandled
		}
		return api.Handled
	})
}

// EchoChannel writes every message back to the channel it came from.
func EchoChannel() api.ChannelHandler {
	return api.ChannelHandlerFunc(func(_ context.Context, ch api.Channel, messageType int, data []byte) error {
		return ch.Send(messageType, data)
	})
}
