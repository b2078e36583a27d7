package pgwire

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"semgate/internal/auth"
	"semgate/internal/catalog"
	"semgate/internal/domain"
	"semgate/internal/engine"
	"semgate/internal/service/semantic"
	"semgate/internal/testutil"
)

func newTestServer(t *testing.T, exec domain.Executor, opts Options) (*Server, *testutil.MockModelStore, *catalog.Catalog) {
	t.Helper()
	store := testutil.NewMockModelStore(testutil.SalesModel(), testutil.InventoryModel())
	cat := catalog.New(store, catalog.Options{Database: "semantic"})
	svc := semantic.NewService(cat, exec, engine.NewInformationSchemaProvider("16.4"), nil)
	opts.Addr = "127.0.0.1:0"
	opts.Database = "semantic"
	srv := NewServer(svc, opts)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, store, cat
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// startSession connects and completes startup, returning the backend key.
func startSession(t *testing.T, srv *Server) (net.Conn, uint32, uint32) {
	t.Helper()
	conn := dial(t, srv)
	write(t, conn, startupPacket(t, map[string]string{"user": "analyst", "database": "semantic"}))

	typeByte, payload := readPGMessage(t, conn)
	require.Equal(t, byte('R'), typeByte)
	require.Equal(t, uint32(0), binary.BigEndian.Uint32(payload))

	var pid, secret uint32
	for {
		typeByte, payload = readPGMessage(t, conn)
		switch typeByte {
		case 'S':
			continue
		case 'K':
			pid, secret = binary.BigEndian.Uint32(payload[:4]), binary.BigEndian.Uint32(payload[4:])
			continue
		case 'Z':
			require.Equal(t, []byte{'I'}, payload)
			return conn, pid, secret
		default:
			t.Fatalf("unexpected startup message %q", typeByte)
		}
	}
}

func blockingExecutor(started chan<- struct{}) *testutil.MockExecutor {
	return &testutil.MockExecutor{ExecuteFn: func(ctx context.Context, _ string) (domain.Rows, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

func TestServer_StartupSequence(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, nil, Options{})

	conn := dial(t, srv)
	write(t, conn, startupPacket(t, map[string]string{"user": "analyst", "application_name": "psql"}))

	typeByte, payload := readPGMessage(t, conn)
	require.Equal(t, byte('R'), typeByte)
	require.Len(t, payload, 4)
	require.Equal(t, uint32(0), binary.BigEndian.Uint32(payload))

	status := map[string]string{}
	for {
		typeByte, payload = readPGMessage(t, conn)
		if typeByte != 'S' {
			break
		}
		parts := strings.Split(string(payload), "\x00")
		status[parts[0]] = parts[1]
	}
	require.Equal(t, byte('K'), typeByte)
	require.Len(t, payload, 8)

	assert.Equal(t, map[string]string{
		"server_version":                "16.4",
		"server_encoding":               "UTF8",
		"client_encoding":               "UTF8",
		"DateStyle":                     "ISO, MDY",
		"TimeZone":                      "UTC",
		"IntervalStyle":                 "postgres",
		"integer_datetimes":             "on",
		"standard_conforming_strings":   "on",
		"application_name":              "psql",
		"default_transaction_read_only": "on",
		"is_superuser":                  "off",
		"session_authorization":         "analyst",
	}, status)

	typeByte, payload = readPGMessage(t, conn)
	require.Equal(t, byte('Z'), typeByte)
	require.Equal(t, []byte{'I'}, payload)
	assert.Eventually(t, func() bool { return srv.ActiveConnections() == 1 }, time.Second, 10*time.Millisecond)
}

func TestServer_EncryptionRequestsDeclinedWithoutTLS(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, nil, Options{})

	conn := dial(t, srv)
	write(t, conn, mustEncode(t, &pgproto3.SSLRequest{}))
	reply := make([]byte, 1)
	_, err := io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, byte('N'), reply[0])

	write(t, conn, mustEncode(t, &pgproto3.GSSEncRequest{}))
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, byte('N'), reply[0])

	write(t, conn, startupPacket(t, map[string]string{"user": "analyst"}))
	typeByte, _ := readPGMessage(t, conn)
	assert.Equal(t, byte('R'), typeByte)
}

func TestServer_StartupRejections(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, nil, Options{})

	tests := []struct {
		name   string
		packet func(t *testing.T) []byte
		code   string
	}{
		{
			name: "protocol 2.0",
			packet: func(t *testing.T) []byte {
				return rawStartup(131072, []byte("user\x00analyst\x00\x00"))
			},
			code: "08P01",
		},
		{
			name: "missing user",
			packet: func(t *testing.T) []byte {
				return startupPacket(t, map[string]string{"database": "semantic"})
			},
			code: "28000",
		},
		{
			name: "unknown database",
			packet: func(t *testing.T) []byte {
				return startupPacket(t, map[string]string{"user": "analyst", "database": "warehouse"})
			},
			code: "3D000",
		},
		{
			name: "bad startup parameter",
			packet: func(t *testing.T) []byte {
				return startupPacket(t, map[string]string{"user": "analyst", "client_encoding": "LATIN1"})
			},
			code: "22023",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dial(t, srv)
			write(t, conn, tt.packet(t))
			typeByte, payload := readPGMessage(t, conn)
			require.Equal(t, byte('E'), typeByte)
			fields := errorFields(payload)
			assert.Equal(t, tt.code, fields['C'])
			assertClosed(t, conn)
		})
	}
}

func TestServer_PasswordAuthentication(t *testing.T) {
	t.Parallel()
	passwords, err := auth.NewPasswords(map[string]string{"analyst": "s3cret"})
	require.NoError(t, err)
	srv, _, _ := newTestServer(t, nil, Options{Auth: passwords})

	login := func(password string) (byte, []byte) {
		conn := dial(t, srv)
		write(t, conn, startupPacket(t, map[string]string{"user": "analyst"}))
		typeByte, payload := readPGMessage(t, conn)
		require.Equal(t, byte('R'), typeByte)
		require.Equal(t, uint32(3), binary.BigEndian.Uint32(payload), "cleartext password request")
		write(t, conn, mustEncode(t, &pgproto3.PasswordMessage{Password: password}))
		return readPGMessage(t, conn)
	}

	typeByte, payload := login("s3cret")
	require.Equal(t, byte('R'), typeByte)
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(payload))

	typeByte, payload = login("wrong")
	require.Equal(t, byte('E'), typeByte)
	fields := errorFields(payload)
	assert.Equal(t, "FATAL", fields['S'])
	assert.Equal(t, "28P01", fields['C'])
}

func TestServer_SimpleQueryAggregateByRegion(t *testing.T) {
	t.Parallel()
	exec := &testutil.MockExecutor{ExecuteFn: func(context.Context, string) (domain.Rows, error) {
		return testutil.NewRows([]string{"region", "revenue"},
			[]any{"east", 30.0}, []any{"west", 30.0}), nil
	}}
	srv, _, _ := newTestServer(t, exec, Options{})
	conn, _, _ := startSession(t, srv)

	write(t, conn, simpleQueryPacket(t, "select region, sum(revenue) from sem_sales_metrics.fact group by region"))

	typeByte, payload := readPGMessage(t, conn)
	require.Equal(t, byte('T'), typeByte)
	var desc pgproto3.RowDescription
	require.NoError(t, desc.Decode(payload))
	require.Len(t, desc.Fields, 2)
	assert.Equal(t, "region", string(desc.Fields[0].Name))
	assert.Equal(t, uint32(25), desc.Fields[0].DataTypeOID)
	assert.Equal(t, "sum", string(desc.Fields[1].Name))
	assert.Equal(t, uint32(1700), desc.Fields[1].DataTypeOID)

	var rows [][]string
	for {
		typeByte, payload = readPGMessage(t, conn)
		if typeByte != 'D' {
			break
		}
		var row pgproto3.DataRow
		require.NoError(t, row.Decode(payload))
		rows = append(rows, []string{string(row.Values[0]), string(row.Values[1])})
	}
	assert.Equal(t, [][]string{{"east", "30"}, {"west", "30"}}, rows)
	require.Equal(t, byte('C'), typeByte)
	assert.Equal(t, "SELECT 2\x00", string(payload))
	typeByte, payload = readPGMessage(t, conn)
	require.Equal(t, byte('Z'), typeByte)
	assert.Equal(t, []byte{'I'}, payload)

	assert.Equal(t, "SELECT (region), SUM((amount)) FROM analytics.fct_sales GROUP BY 1 ORDER BY 1 ASC NULLS LAST", exec.LastQuery())
}

func TestServer_SimpleQueryStopsAtFirstError(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, nil, Options{})
	conn, _, _ := startSession(t, srv)

	write(t, conn, simpleQueryPacket(t, "SET application_name = 'bi'; SELECT * FROM sem_unknown_model.fact; SET search_path = x"))

	typeByte, payload := readPGMessage(t, conn)
	require.Equal(t, byte('S'), typeByte)
	assert.Equal(t, "application_name\x00bi\x00", string(payload))
	typeByte, payload = readPGMessage(t, conn)
	require.Equal(t, byte('C'), typeByte)
	assert.Equal(t, "SET\x00", string(payload))
	typeByte, payload = readPGMessage(t, conn)
	require.Equal(t, byte('E'), typeByte)
	assert.Equal(t, "3F000", errorFields(payload)['C'])
	typeByte, _ = readPGMessage(t, conn)
	require.Equal(t, byte('Z'), typeByte)

	write(t, conn, simpleQueryPacket(t, "SHOW search_path"))
	typeByte, _ = readPGMessage(t, conn)
	require.Equal(t, byte('T'), typeByte)
	typeByte, payload = readPGMessage(t, conn)
	require.Equal(t, byte('D'), typeByte)
	var row pgproto3.DataRow
	require.NoError(t, row.Decode(payload))
	assert.Equal(t, `"$user", public`, string(row.Values[0]))
	typeByte, payload = readPGMessage(t, conn)
	require.Equal(t, byte('C'), typeByte)
	assert.Equal(t, "SHOW\x00", string(payload))
	typeByte, _ = readPGMessage(t, conn)
	require.Equal(t, byte('Z'), typeByte)
}

func TestServer_EmptyQuery(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, nil, Options{})
	conn, _, _ := startSession(t, srv)

	write(t, conn, simpleQueryPacket(t, "  ; "))
	typeByte, _ := readPGMessage(t, conn)
	assert.Equal(t, byte('I'), typeByte)
	typeByte, _ = readPGMessage(t, conn)
	assert.Equal(t, byte('Z'), typeByte)
}

func TestServer_ProtocolViolationsAreFatal(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, nil, Options{MaxMessageSize: 1024})

	tests := []struct {
		name   string
		packet []byte
	}{
		{name: "unknown message type", packet: []byte{'y', 0, 0, 0, 4}},
		{name: "bad length", packet: []byte{'Q', 0, 0, 0, 2}},
		{name: "oversize frame", packet: simpleQueryPacket(t, "SELECT '"+strings.Repeat("x", 2048)+"'")},
		{name: "undecodable body", packet: []byte{'Q', 0, 0, 0, 6, 'a', 'b'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, _, _ := startSession(t, srv)
			write(t, conn, tt.packet)
			typeByte, payload := readPGMessage(t, conn)
			require.Equal(t, byte('E'), typeByte)
			fields := errorFields(payload)
			assert.Equal(t, "FATAL", fields['S'])
			assert.Equal(t, "08P01", fields['C'])
			assertClosed(t, conn)
		})
	}
}

func TestServer_CancelRequest_CancelsInFlightQuery(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	srv, _, _ := newTestServer(t, blockingExecutor(started), Options{})
	conn, pid, secret := startSession(t, srv)

	write(t, conn, simpleQueryPacket(t, "SELECT region FROM sem_sales_metrics.fact"))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("query did not start")
	}

	// A wrong secret is ignored.
	bad := dial(t, srv)
	write(t, bad, mustEncode(t, &pgproto3.CancelRequest{ProcessID: pid, SecretKey: secret + 1}))
	assertClosed(t, bad)

	cancelConn := dial(t, srv)
	write(t, cancelConn, mustEncode(t, &pgproto3.CancelRequest{ProcessID: pid, SecretKey: secret}))

	typeByte, payload := readPGMessage(t, conn)
	require.Equal(t, byte('E'), typeByte)
	fields := errorFields(payload)
	assert.Equal(t, "57014", fields['C'])
	assert.Equal(t, "canceling statement due to user request", fields['M'])
	typeByte, payload = readPGMessage(t, conn)
	require.Equal(t, byte('Z'), typeByte)
	assert.Equal(t, []byte{'I'}, payload)
}

func TestServer_StatementTimeout(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	srv, _, _ := newTestServer(t, blockingExecutor(started), Options{QueryTimeout: 50 * time.Millisecond})
	conn, _, _ := startSession(t, srv)

	write(t, conn, simpleQueryPacket(t, "BEGIN; SELECT region FROM sem_sales_metrics.fact"))
	typeByte, _ := readPGMessage(t, conn)
	require.Equal(t, byte('N'), typeByte)
	typeByte, _ = readPGMessage(t, conn)
	require.Equal(t, byte('C'), typeByte)

	typeByte, payload := readPGMessage(t, conn)
	require.Equal(t, byte('E'), typeByte)
	fields := errorFields(payload)
	assert.Equal(t, "57014", fields['C'])
	assert.Equal(t, "canceling statement due to statement timeout", fields['M'])
	typeByte, payload = readPGMessage(t, conn)
	require.Equal(t, byte('Z'), typeByte)
	assert.Equal(t, []byte{'E'}, payload, "the transaction block is failed")
}

func TestServer_DisconnectCancelsQuery(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	finished := make(chan error, 1)
	exec := &testutil.MockExecutor{ExecuteFn: func(ctx context.Context, _ string) (domain.Rows, error) {
		started <- struct{}{}
		<-ctx.Done()
		finished <- context.Cause(ctx)
		return nil, ctx.Err()
	}}
	srv, _, _ := newTestServer(t, exec, Options{})
	conn, _, _ := startSession(t, srv)

	write(t, conn, simpleQueryPacket(t, "SELECT region FROM sem_sales_metrics.fact"))
	<-started
	require.NoError(t, conn.Close())

	select {
	case cause := <-finished:
		assert.ErrorIs(t, cause, errDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("query was not canceled after disconnect")
	}
	assert.Eventually(t, func() bool { return srv.ActiveConnections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_IdleTimeout(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, nil, Options{IdleTimeout: 100 * time.Millisecond})
	conn, _, _ := startSession(t, srv)

	typeByte, payload := readPGMessage(t, conn)
	require.Equal(t, byte('E'), typeByte)
	fields := errorFields(payload)
	assert.Equal(t, "FATAL", fields['S'])
	assert.Equal(t, "57P05", fields['C'])
	assertClosed(t, conn)
}

func TestServer_MaxConnections(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, nil, Options{MaxConnections: 1})
	startSession(t, srv)

	conn := dial(t, srv)
	write(t, conn, startupPacket(t, map[string]string{"user": "analyst"}))
	typeByte, payload := readPGMessage(t, conn)
	require.Equal(t, byte('E'), typeByte)
	fields := errorFields(payload)
	assert.Equal(t, "53300", fields['C'])
	assert.Equal(t, "sorry, too many clients already", fields['M'])
}

func TestServer_ShutdownTerminatesIdleSessions(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, nil, Options{})
	conn, _, _ := startSession(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	typeByte, payload := readPGMessage(t, conn)
	require.Equal(t, byte('E'), typeByte)
	assert.Equal(t, "57P01", errorFields(payload)['C'])
	assert.Empty(t, srv.Addr())
}

func TestServer_ShutdownCancelsRunningQueriesAtDeadline(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	srv, _, _ := newTestServer(t, blockingExecutor(started), Options{})
	conn, _, _ := startSession(t, srv)
	write(t, conn, simpleQueryPacket(t, "SELECT region FROM sem_sales_metrics.fact"))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := srv.Shutdown(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

// === packet helpers ===

func write(t *testing.T, conn net.Conn, packet []byte) {
	t.Helper()
	_, err := conn.Write(packet)
	require.NoError(t, err)
}

func mustEncode(t *testing.T, msg interface{ Encode([]byte) ([]byte, error) }) []byte {
	t.Helper()
	buf, err := msg.Encode(nil)
	require.NoError(t, err)
	return buf
}

func startupPacket(t *testing.T, params map[string]string) []byte {
	t.Helper()
	return mustEncode(t, &pgproto3.StartupMessage{ProtocolVersion: protocolVersion3, Parameters: params})
}

func rawStartup(version uint32, body []byte) []byte {
	buf := make([]byte, 8, 8+len(body))
	binary.BigEndian.PutUint32(buf, uint32(8+len(body)))
	binary.BigEndian.PutUint32(buf[4:], version)
	return append(buf, body...)
}

func simpleQueryPacket(t *testing.T, q string) []byte {
	t.Helper()
	return mustEncode(t, &pgproto3.Query{String: q})
}

func readPGMessage(t *testing.T, conn net.Conn) (byte, []byte) {
	t.Helper()

	header := make([]byte, 5)
	_, err := io.ReadFull(conn, header)
	require.NoError(t, err)
	length := binary.BigEndian.Uint32(header[1:])
	require.GreaterOrEqual(t, length, uint32(4))
	payload := make([]byte, int(length)-4)
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)
	return header[0], payload
}

// errorFields decodes the fields of an ErrorResponse or NoticeResponse.
func errorFields(payload []byte) map[byte]string {
	out := map[byte]string{}
	for len(payload) > 1 {
		code := payload[0]
		end := bytes.IndexByte(payload[1:], 0)
		if end < 0 {
			break
		}
		out[code] = string(payload[1 : 1+end])
		payload = payload[2+end:]
	}
	return out
}

func assertClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err, "connection should be closed")
}
