package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/melihxz/flock/internal/log"
	"github.com/quic-go/quic-go"
)

// QUICTransport implements Transport over QUIC streams: one stream per RPC
// call, framed as a 4-byte big-endian length prefix followed by a
// cbor-encoded envelope. This mirrors the teacher's QUICBus/QUICStream
// header-then-body framing, simplified because the envelope already carries
// its own message type.
type QUICTransport struct {
	localAddr string
	listener  *quic.Listener
	tlsConfig *tls.Config
	logger    *log.Logger
	handlers  *handlerTable

	mu     sync.Mutex
	conns  map[string]*quic.Conn
	closed bool
}

// NewQUICTransport starts listening on listenAddr and returns a transport
// ready to Register handlers and issue Calls.
func NewQUICTransport(listenAddr string, logger *log.Logger) (*QUICTransport, error) {
	tlsConfig, err := generateTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("transport: generating TLS config: %w", err)
	}

	listener, err := quic.ListenAddr(listenAddr, tlsConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: listening on %s: %w", listenAddr, err)
	}

	tr := &QUICTransport{
		localAddr: listener.Addr().String(),
		listener:  listener,
		tlsConfig: tlsConfig,
		logger:    logger,
		handlers:  newHandlerTable(),
		conns:     make(map[string]*quic.Conn),
	}

	go tr.acceptLoop()

	return tr, nil
}

func (t *QUICTransport) LocalAddress() string { return t.localAddr }

func (t *QUICTransport) Register(providerID uint16, msgType MessageType, h Handler) {
	t.handlers.register(providerID, msgType, h)
}

func (t *QUICTransport) Deregister(providerID uint16, msgType MessageType) {
	t.handlers.deregister(providerID, msgType)
}

func (t *QUICTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept(context.Background())
		if err != nil {
			t.logger.Debug("accept loop stopped", "error", err)
			return
		}
		go t.handleConnection(conn)
	}
}

func (t *QUICTransport) handleConnection(conn *quic.Conn) {
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		go t.handleStream(stream, conn.RemoteAddr().String())
	}
}

func (t *QUICTransport) handleStream(stream *quic.Stream, from string) {
	defer stream.Close()

	raw, err := readFrame(stream)
	if err != nil {
		t.logger.Debug("failed reading inbound frame", "from", from, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reply := t.handlers.dispatch(ctx, from, raw)
	if err := writeFrame(stream, reply); err != nil {
		t.logger.Debug("failed writing reply frame", "from", from, "error", err)
	}
}

func (t *QUICTransport) dial(ctx context.Context, address string) (*quic.Conn, error) {
	t.mu.Lock()
	if conn, ok := t.conns[address]; ok {
		t.mu.Unlock()
		return conn, nil
	}
	t.mu.Unlock()

	conn, err := quic.DialAddr(ctx, address, t.tlsConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", address, err)
	}

	t.mu.Lock()
	t.conns[address] = conn
	t.mu.Unlock()
	return conn, nil
}

// Call opens a fresh stream to address, writes the encoded request
// envelope, waits for the reply, and decodes it into resp. ctx's deadline
// bounds dial, write and read alike.
func (t *QUICTransport) Call(ctx context.Context, address string, providerID uint16, msgType MessageType, req, resp any) error {
	conn, err := t.dial(ctx, address)
	if err != nil {
		return err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("transport: opening stream to %s: %w", address, err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	reqEnvelope, correlationID, err := encodeEnvelope(providerID, msgType, req)
	if err != nil {
		return err
	}
	if err := writeFrame(stream, reqEnvelope); err != nil {
		return fmt.Errorf("transport: writing request to %s: %w", address, err)
	}

	raw, err := readFrame(stream)
	if err != nil {
		return fmt.Errorf("transport: reading reply from %s: %w", address, err)
	}

	e, err := decodeEnvelope(raw)
	if err != nil {
		return err
	}
	if e.CorrelationID != correlationID {
		return fmt.Errorf("transport: reply from %s does not match request %s (got %s)", address, correlationID, e.CorrelationID)
	}
	if resp != nil && len(e.Body) > 0 {
		if err := decodeEnvelopeBody(e.Body, resp); err != nil {
			return err
		}
	}
	return nil
}

func (t *QUICTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	conns := t.conns
	t.conns = nil
	t.mu.Unlock()

	for _, c := range conns {
		_ = c.CloseWithError(0, "transport closed")
	}
	return t.listener.Close()
}

// writeFrame writes a 4-byte big-endian length prefix followed by payload.
func writeFrame(w io.Writer, payload []byte) error {
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(payload)))
	if _, err := w.Write(lenBuf); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf)
	body := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// generateTLSConfig generates a self-signed certificate for QUIC, exactly
// as the teacher's hyperbus package does for its own QUIC listener.
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"flock"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour * 24 * 365),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	cert := tls.Certificate{Certificate: [][]byte{derBytes}, PrivateKey: key}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"flock"},
		InsecureSkipVerify: true,
	}, nil
}
