package pallet_nav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Transport feeds detection frames into a store until closed.
type Transport interface {
	io.Closer
}

// Ingestor decodes raw payloads and stores them under their topic. Signal
// topics carry no detections: any payload on them counts as one delivery.
type Ingestor struct {
	store   *LatestStore
	signals map[string]struct{}
	log     *logrus.Entry
}

// NewIngestor builds an ingestor writing into store.
func NewIngestor(store *LatestStore, log *logrus.Entry, signalTopics ...string) *Ingestor {
	if log == nil {
		log = discardLogger()
	}
	in := &Ingestor{store: store, signals: map[string]struct{}{}, log: log}
	for _, t := range signalTopics {
		in.signals[t] = struct{}{}
	}
	return in
}

// Ingest stores payload for topic. Malformed frames are dropped.
func (in *Ingestor) Ingest(topic string, payload []byte) error {
	if _, ok := in.signals[topic]; ok {
		in.store.Put(topic, nil)
		return nil
	}
	dets, err := ParseDetections(payload)
	if err != nil {
		in.log.WithError(err).WithField("topic", topic).Debug("dropping frame")
		return err
	}
	in.store.Put(topic, dets)
	return nil
}

// UDPTransport listens for "topic <json>" datagrams.
type UDPTransport struct {
	conn *net.UDPConn
	in   *Ingestor
	log  *logrus.Entry
	wg   sync.WaitGroup
}

// NewUDPTransport binds addr and starts the listener goroutine.
func NewUDPTransport(addr string, readBuffer int, in *Ingestor, log *logrus.Entry) (*UDPTransport, error) {
	if addr == "" {
		return nil, fmt.Errorf("%w: perception.udp_addr must be set", ErrInvalidConfig)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = discardLogger()
	}
	if readBuffer <= 0 {
		readBuffer = 2048
	}

	t := &UDPTransport{conn: conn, in: in, log: log.WithField("component", "udp_transport")}
	t.wg.Add(1)
	go t.listen(readBuffer)
	return t, nil
}

// Addr returns the bound local address.
func (t *UDPTransport) Addr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *UDPTransport) listen(bufSize int) {
	defer t.wg.Done()
	readDatagrams(t.conn, bufSize, t.log, func(b []byte) {
		topic, payload, err := parseDatagram(b)
		if err != nil {
			t.log.WithError(err).Debug("dropping datagram")
			return
		}
		_ = t.in.Ingest(topic, payload)
	})
}

// readErrorPause throttles a listener whose socket keeps failing.
const readErrorPause = 50 * time.Millisecond

type datagramReader interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
}

// readDatagrams passes every datagram read from r to handle until r is
// closed. The slice handed to handle is reused by the next read.
func readDatagrams(r datagramReader, bufSize int, log *logrus.Entry, handle func([]byte)) {
	buf := make([]byte, bufSize)
	for {
		n, _, err := r.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithError(err).Debug("udp read failed")
			time.Sleep(readErrorPause)
			continue
		}
		handle(buf[:n])
	}
}

// Close stops the listener.
func (t *UDPTransport) Close() error {
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

// parseDatagram splits "topic <payload>". The payload may be empty on
// signal topics.
func parseDatagram(b []byte) (string, []byte, error) {
	s := bytes.TrimSpace(b)
	if len(s) == 0 {
		return "", nil, errors.New("empty payload")
	}
	topic, payload, _ := bytes.Cut(s, []byte(" "))
	if len(topic) == 0 {
		return "", nil, errors.New("missing topic")
	}
	return string(topic), bytes.TrimSpace(payload), nil
}

// NewTransport starts the transport named in cfg.
func NewTransport(ctx context.Context, cfg PerceptionConfig, in *Ingestor, topics []string, log *logrus.Entry) (Transport, error) {
	switch strings.ToLower(cfg.Transport) {
	case "udp":
		return NewUDPTransport(cfg.UDPAddr, cfg.ReadBuffer, in, log)
	case "mqtt":
		return NewMQTTTransport(cfg, in, topics, log)
	case "redis":
		return NewRedisTransport(ctx, cfg, in, topics, log)
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, cfg.Transport)
	}
}
