package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	alpnProtocol     = "ouroboros-fhe/1"
	handshakeTimeout = 10 * time.Second
	idleTimeout      = 30 * time.Second
	certValidityDays = 365

	// Application error codes used with CloseWithError.
	codeDone     quic.ApplicationErrorCode = 0
	codeShutdown quic.ApplicationErrorCode = 1

	// Stream error code used with CancelRead once a command is finished.
	streamDone quic.StreamErrorCode = 0
)

// QUIC carries each command on the single stream of its own QUIC
// connection. Listeners present a freshly generated self-signed
// certificate.
type QUIC struct{}

func (QUIC) Name() string { return "quic" }

func (QUIC) Listen(addr string) (Listener, error) { // A
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate TLS cert: %w", err)
	}
	ln, err := quic.ListenAddr(addr, serverTLSConfig(cert), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{
		inner:  ln,
		conns:  make(chan *quicConn),
		ctx:    ctx,
		cancel: cancel,
	}
	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

func (QUIC) Dial(ctx context.Context, addr string) (Conn, error) { // A
	conn, err := quic.DialAddr(ctx, addr, clientTLSConfig(), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(codeShutdown, "open stream failed")
		return nil, fmt.Errorf("open stream to %s: %w", addr, err)
	}
	return &quicConn{conn: conn, stream: stream}, nil
}

type quicListener struct {
	inner  *quic.Listener
	conns  chan *quicConn
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// acceptLoop completes handshakes and stream setup off the caller's
// goroutine so one slow peer cannot hold up Accept.
func (l *quicListener) acceptLoop() { // A
	defer l.wg.Done()
	for {
		conn, err := l.inner.Accept(l.ctx)
		if err != nil {
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			sctx, cancel := context.WithTimeout(l.ctx, handshakeTimeout)
			defer cancel()
			stream, err := conn.AcceptStream(sctx)
			if err != nil {
				_ = conn.CloseWithError(codeShutdown, "no stream")
				return
			}
			qc := &quicConn{conn: conn, stream: stream}
			select {
			case l.conns <- qc:
			case <-l.ctx.Done():
				_ = qc.Close()
			}
		}()
	}
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) { // A
	select {
	case qc := <-l.conns:
		return qc, nil
	case <-l.ctx.Done():
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *quicListener) Addr() string { return l.inner.Addr().String() }

func (l *quicListener) Close() error { // A
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.inner.Close()
		l.wg.Wait()
	})
	return err
}

type quicConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	once   sync.Once
}

func (c *quicConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

// CloseWrite closes the send direction of the stream.
func (c *quicConn) CloseWrite() error { return c.stream.Close() }

func (c *quicConn) SetDeadline(t time.Time) error { return c.stream.SetDeadline(t) }

func (c *quicConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *quicConn) Close() error { // A
	var err error
	c.once.Do(func() {
		streamErr := c.stream.Close()
		c.stream.CancelRead(streamDone)
		connErr := c.conn.CloseWithError(codeDone, "")
		err = errors.Join(streamErr, connErr)
	})
	return err
}

func serverTLSConfig(cert tls.Certificate) *tls.Config { // A
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProtocol},
		MinVersion:   tls.VersionTLS13,
		CurvePreferences: []tls.CurveID{
			tls.X25519MLKEM768,
			tls.X25519,
		},
	}
}

func clientTLSConfig() *tls.Config { // A
	return &tls.Config{
		// #nosec G402 -- only ciphertexts and public profiles cross this link.
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
		MinVersion:         tls.VersionTLS13,
		CurvePreferences: []tls.CurveID{
			tls.X25519MLKEM768,
			tls.X25519,
		},
	}
}

func quicConfig() *quic.Config { // A
	return &quic.Config{
		HandshakeIdleTimeout: handshakeTimeout,
		MaxIdleTimeout:       idleTimeout,
		KeepAlivePeriod:      idleTimeout / 3,
	}
}

func generateSelfSignedCert() (tls.Certificate, error) { // A
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"ouroboros-fhe"},
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(certValidityDays * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create cert: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
	}, nil
}
