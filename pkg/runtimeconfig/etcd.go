package runtimeconfig

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	DefaultKey         = "ojp/slots/enabled"
	DefaultDialTimeout = 5 * time.Second
)

type Options struct {
	// Key holds "true" or "false". Defaults to DefaultKey.
	Key string
	// Default is emitted while the key is missing or after it is deleted.
	Default bool
	// DialTimeout overrides the etcd dial timeout. Zero uses DefaultDialTimeout.
	DialTimeout time.Duration
}

// EtcdSource reads the enabled flag from a single etcd key.
type EtcdSource struct {
	cli    *clientv3.Client
	key    string
	def    bool
	logger *slog.Logger
}

var _ Source = (*EtcdSource)(nil)

// NewEtcdSource connects to etcd using the provided endpoints.
func NewEtcdSource(endpoints []string, opts Options, logger *slog.Logger) (*EtcdSource, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("runtimeconfig: at least one etcd endpoint is required")
	}

	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}

	return newEtcdSource(cli, opts, logger), nil
}

func newEtcdSource(cli *clientv3.Client, opts Options, logger *slog.Logger) *EtcdSource {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	key := strings.TrimSpace(opts.Key)
	if key == "" {
		key = DefaultKey
	}
	return &EtcdSource{
		cli:    cli,
		key:    key,
		def:    opts.Default,
		logger: logger.With("component", "etcd_source", "key", key),
	}
}

// Close releases the etcd client.
func (s *EtcdSource) Close() error {
	if s == nil || s.cli == nil {
		return nil
	}
	return s.cli.Close()
}

// Set stores the flag so every server watching the key picks it up.
func (s *EtcdSource) Set(ctx context.Context, enabled bool) error {
	_, err := s.cli.Put(ctx, s.key, strconv.FormatBool(enabled))
	return err
}

// Watch emits the current value of the key and then every change to it.
func (s *EtcdSource) Watch(ctx context.Context) (<-chan bool, <-chan error) {
	values := make(chan bool, 8)
	errs := make(chan error, 1)

	go func() {
		defer close(values)
		defer close(errs)

		resp, err := s.cli.Get(ctx, s.key)
		if err != nil {
			errs <- err
			return
		}

		current := s.def
		if len(resp.Kvs) > 0 {
			current = s.parse(resp.Kvs[0].Value)
		}
		select {
		case values <- current:
		case <-ctx.Done():
			return
		}

		watch := s.cli.Watch(ctx, s.key, clientv3.WithRev(resp.Header.Revision+1))
		for {
			select {
			case <-ctx.Done():
				return
			case wresp, ok := <-watch:
				if !ok {
					return
				}
				if err := wresp.Err(); err != nil {
					select {
					case errs <- err:
					default:
					}
					continue
				}
				for _, ev := range wresp.Events {
					v, ok := s.handleEvent(ev)
					if !ok {
						continue
					}
					select {
					case values <- v:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return values, errs
}

// handleEvent turns a watch event into a flag value. It reports false for
// events that carry no value.
func (s *EtcdSource) handleEvent(ev *clientv3.Event) (bool, bool) {
	switch ev.Type {
	case mvccpb.PUT:
		return s.parse(ev.Kv.Value), true
	case mvccpb.DELETE:
		s.logger.Info("enabled flag deleted, using default", "default", s.def)
		return s.def, true
	default:
		s.logger.Warn("received unknown event type", "type", ev.Type)
		return false, false
	}
}

// parse reads a stored flag. Unparsable values fall back to the default.
func (s *EtcdSource) parse(raw []byte) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(string(raw)))
	if err != nil {
		s.logger.Error("invalid enabled flag, using default", "value", string(raw), "default", s.def)
		return s.def
	}
	return v
}
