package ftp

import (
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestActiveDataConn_Coverage(t *testing.T) {
	// Setup a dummy listener
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	// We don't defer ln.Close() because adc.Close() closes it

	// Create the activeDataConn
	adc := &activeDataConnSeam{
		listener: ln,
		timeout:  time.Second,
	}

	// Trigger accept by dialing it in a goroutine
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			return
		}
		defer conn.Close()
		// Read to drain "test" write
		buf := make([]byte, 1024)
		_, _ = conn.Read(buf)
	}()

	// 1. Test Write (triggers accept)
	if _, err := adc.Write([]byte("test")); err != nil {
		t.Errorf("Write failed: %v", err)
	}

	// 2. Test LocalAddr/RemoteAddr
	if adc.LocalAddr() == nil {
		t.Error("LocalAddr is nil")
	}
	if adc.RemoteAddr() == nil {
		t.Error("RemoteAddr is nil")
	}

	// 3. Test SetDeadline methods
	if err := adc.SetDeadline(time.Now().Add(time.Hour)); err != nil {
		t.Errorf("SetDeadline failed: %v", err)
	}
	if err := adc.SetReadDeadline(time.Now().Add(time.Hour)); err != nil {
		t.Errorf("SetReadDeadline failed: %v", err)
	}
	if err := adc.SetWriteDeadline(time.Now().Add(time.Hour)); err != nil {
		t.Errorf("SetWriteDeadline failed: %v", err)
	}

	// Close adc (closes listener and conn)
	if err := adc.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	<-done
}

func TestClient_ActiveMode_PORT(t *testing.T) {
	srv := newMockServer(t)
	var dataAddr string
	srv.handlers["PORT"] = func(conn *textproto.Conn, args string) {
		fields := strings.Split(args, ",")
		if len(fields) != 6 {
			_ = conn.PrintfLine("501 syntax error")
			return
		}
		p1, _ := strconv.Atoi(fields[4])
		p2, _ := strconv.Atoi(fields[5])
		host := strings.Join(fields[:4], ".")
		dataAddr = net.JoinHostPort(host, strconv.Itoa(p1*256+p2))
		_ = conn.PrintfLine("200 PORT command successful")
	}
	srv.handlers["LIST"] = func(conn *textproto.Conn, args string) {
		_ = conn.PrintfLine("150 opening data connection")
		dataConn, err := net.DialTimeout("tcp", dataAddr, 2*time.Second)
		if err != nil {
			_ = conn.PrintfLine("425 cannot open data connection")
			return
		}
		fmt.Fprintf(dataConn, "-rw-r--r-- 1 owner group 4 Jan 01 00:00 a.txt\r\n")
		dataConn.Close()
		_ = conn.PrintfLine("226 transfer complete")
	}
	srv.start()
	defer srv.stop()

	c, err := Dial(srv.addr, withActiveMode(), WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Quit()

	if err := c.Login("anonymous", "anonymous"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	entries, err := c.List(".")
	if err != nil {
		t.Fatalf("List in active mode failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "a.txt" {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestClient_ActiveMode_EPRT_IPv6(t *testing.T) {
	ln, err := net.Listen("tcp6", "[::1]:0")
	if err != nil {
		t.Skip("IPv6 not supported or disabled:", err)
	}

	var dataAddr string
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tp := textproto.NewConn(conn)
		defer tp.Close()
		_ = tp.PrintfLine("220 Service ready")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			parts := strings.SplitN(line, " ", 2)
			cmd := strings.ToUpper(parts[0])
			args := ""
			if len(parts) > 1 {
				args = parts[1]
			}
			switch cmd {
			case "USER":
				_ = tp.PrintfLine("331 User name okay, need password.")
			case "PASS":
				_ = tp.PrintfLine("230 User logged in, proceed.")
			case "EPRT":
				trimmed := strings.Trim(args, "|")
				eprtParts := strings.Split(trimmed, "|")
				if len(eprtParts) != 3 {
					_ = tp.PrintfLine("501 syntax error")
					continue
				}
				dataAddr = net.JoinHostPort(eprtParts[1], eprtParts[2])
				_ = tp.PrintfLine("200 EPRT command successful")
			case "LIST":
				_ = tp.PrintfLine("150 opening data connection")
				dataConn, derr := net.DialTimeout("tcp6", dataAddr, 2*time.Second)
				if derr != nil {
					_ = tp.PrintfLine("425 cannot open data connection")
					continue
				}
				fmt.Fprintf(dataConn, "-rw-r--r-- 1 owner group 4 Jan 01 00:00 b.txt\r\n")
				dataConn.Close()
				_ = tp.PrintfLine("226 transfer complete")
			case "QUIT":
				_ = tp.PrintfLine("221 Service closing control connection.")
				return
			case "TYPE":
				_ = tp.PrintfLine("200 Command okay.")
			case "PWD", "XPWD":
				_ = tp.PrintfLine("257 \"/\" is current directory.")
			default:
				_ = tp.PrintfLine("502 Command not implemented.")
			}
		}
	}()
	defer func() {
		ln.Close()
		<-done
	}()

	c, err := Dial(ln.Addr().String(), withActiveMode(), WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Quit()

	if err := c.Login("anonymous", "anonymous"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	entries, err := c.List(".")
	if err != nil {
		t.Fatalf("List in active mode (IPv6/EPRT) failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "b.txt" {
		t.Errorf("unexpected entries: %+v", entries)
	}
}
