package lan

import (
	"bufio"
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/enbility/zeroconf/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-instr/address"
	"github.com/arloliu/go-instr/transport"
)

// startEchoInstrument answers every "*IDN?" line with a fixed identification string.
func startEchoInstrument(t *testing.T) *net.TCPAddr {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if line == "*IDN?\n" {
						_, _ = c.Write([]byte("ACME,LOAD100,SN1,2.0\n"))
					}
				}
			}(conn)
		}
	}()

	return ln.Addr().(*net.TCPAddr)
}

func TestDriver_OpenExchange(t *testing.T) {
	tcpAddr := startEchoInstrument(t)

	d, err := NewDriver()
	require.NoError(t, err)
	assert.Equal(t, address.MediumLAN, d.Medium())

	addr, err := address.NewLAN("127.0.0.1", tcpAddr.Port, "")
	require.NoError(t, err)

	h, err := d.Open(context.Background(), addr, time.Second)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Write([]byte("*IDN?\n"), time.Second))

	var got []byte
	for len(got) == 0 || got[len(got)-1] != '\n' {
		chunk, err := h.Read(64, time.Second)
		require.NoError(t, err)
		got = append(got, chunk...)
	}
	assert.Equal(t, "ACME,LOAD100,SN1,2.0\n", string(got))

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
}

// startSlowInstrument answers "MEAS:VOLT?" after delay and "*IDN?" at once. It counts
// accepted connections.
func startSlowInstrument(t *testing.T, delay time.Duration) (*net.TCPAddr, *atomic.Int32) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	var accepted atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					switch line {
					case "MEAS:VOLT?\n":
						go func() {
							time.Sleep(delay)
							_, _ = c.Write([]byte("4.998\n"))
						}()
					case "*IDN?\n":
						_, _ = c.Write([]byte("RIGOL,DP832,SN1,1.0\n"))
					}
				}
			}(conn)
		}
	}()

	return ln.Addr().(*net.TCPAddr), &accepted
}

func readLine(t *testing.T, h transport.Handle) string {
	t.Helper()

	var got []byte
	for len(got) == 0 || got[len(got)-1] != '\n' {
		chunk, err := h.Read(64, time.Second)
		require.NoError(t, err)
		got = append(got, chunk...)
	}

	return string(got)
}

func TestDriver_ClearDropsLateReply(t *testing.T) {
	tcpAddr, accepted := startSlowInstrument(t, 100*time.Millisecond)

	d, err := NewDriver()
	require.NoError(t, err)
	addr, err := address.NewLAN("127.0.0.1", tcpAddr.Port, "")
	require.NoError(t, err)

	h, err := d.Open(context.Background(), addr, time.Second)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Write([]byte("MEAS:VOLT?\n"), time.Second))
	_, err = h.Read(64, 30*time.Millisecond)
	require.ErrorIs(t, err, transport.ErrTimeout)

	clearer, ok := h.(transport.Clearer)
	require.True(t, ok)
	require.NoError(t, clearer.Clear(time.Second))
	require.Eventually(t, func() bool { return accepted.Load() == 2 }, time.Second, 5*time.Millisecond)

	// let the late reply reach the abandoned connection
	time.Sleep(150 * time.Millisecond)

	require.NoError(t, h.Write([]byte("*IDN?\n"), time.Second))
	assert.Equal(t, "RIGOL,DP832,SN1,1.0\n", readLine(t, h))

	require.NoError(t, h.Close())
	require.ErrorIs(t, clearer.Clear(time.Second), transport.ErrHandleClosed)
}

func TestDriver_OpenCancelled(t *testing.T) {
	blocking := func(ctx context.Context, _, _ string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	d, err := NewDriver(WithDialFunc(blocking))
	require.NoError(t, err)
	addr, err := address.NewLAN("192.0.2.1", 5025, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = d.Open(ctx, addr, time.Second)
	require.ErrorIs(t, err, context.Canceled)
	_, classified := transport.ClassOf(err)
	assert.False(t, classified)
}

func TestDriver_UnsupportedSuffix(t *testing.T) {
	d, err := NewDriver()
	require.NoError(t, err)

	addr, err := address.NewLAN("127.0.0.1", 4880, "HISLIP0")
	require.NoError(t, err)

	_, err = d.Open(context.Background(), addr, time.Second)
	require.ErrorIs(t, err, transport.ErrProtocolViolation)
}

func TestDriver_WrongMedium(t *testing.T) {
	d, err := NewDriver()
	require.NoError(t, err)

	_, err = d.Open(context.Background(), address.MustParse("GPIB0::1::INSTR"), time.Second)
	require.ErrorIs(t, err, transport.ErrWrongMedium)
}

func TestDriver_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	d, err := NewDriver()
	require.NoError(t, err)

	addr, err := address.NewLAN("127.0.0.1", port, "")
	require.NoError(t, err)

	_, err = d.Open(context.Background(), addr, time.Second)
	require.ErrorIs(t, err, transport.ErrUnreachable)
}

func TestDriver_ConnectTimeoutIsUnreachable(t *testing.T) {
	blocking := func(ctx context.Context, _, _ string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	d, err := NewDriver(WithDialFunc(blocking))
	require.NoError(t, err)

	addr, err := address.NewLAN("192.0.2.1", 5025, "")
	require.NoError(t, err)

	start := time.Now()
	_, err = d.Open(context.Background(), addr, 50*time.Millisecond)
	require.ErrorIs(t, err, transport.ErrUnreachable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDriver_Options(t *testing.T) {
	_, err := NewDriver(WithLogger(nil))
	require.Error(t, err)

	_, err = NewDriver(WithDialFunc(nil))
	require.Error(t, err)

	d, err := NewDriver(WithKeepAlive(-1), WithNoDelay(false))
	require.NoError(t, err)
	assert.False(t, d.noDelay)
}

func TestDiscover(t *testing.T) {
	fake := func(ctx context.Context, service string, entries, _ chan *zeroconf.ServiceEntry, _ ...zeroconf.ClientOption) error {
		switch service {
		case ServiceSCPIRaw:
			entries <- &zeroconf.ServiceEntry{
				ServiceRecord: zeroconf.ServiceRecord{Instance: "scope-1", Service: service, Domain: "local."},
				HostName:      "scope-1.local.",
				Port:          5025,
				AddrIPv4:      []net.IP{net.ParseIP("192.0.2.20")},
			}
		case ServiceLXI:
			entries <- &zeroconf.ServiceEntry{
				ServiceRecord: zeroconf.ServiceRecord{Instance: "psu-2", Service: service, Domain: "local."},
				HostName:      "psu-2.local.",
				Port:          80,
				Text:          []string{"Manufacturer=ACME", "Model=PSU3000"},
			}
		}
		<-ctx.Done()

		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	found, err := Discover(ctx, discoverOptFunc(func(c *discoverConfig) error {
		c.browse = fake
		return nil
	}))
	require.NoError(t, err)
	require.Len(t, found, 2)

	assert.Equal(t, "psu-2", found[0].Instance)
	assert.Equal(t, "TCPIP::psu-2.local::5025::SOCKET", found[0].Address.String())
	assert.Equal(t, "ACME", found[0].Text["Manufacturer"])

	assert.Equal(t, "scope-1", found[1].Instance)
	assert.Equal(t, ServiceSCPIRaw, found[1].Service)
	assert.Equal(t, "TCPIP::192.0.2.20::5025::SOCKET", found[1].Address.String())
}
