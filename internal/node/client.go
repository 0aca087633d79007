package node

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"peersync/internal/syncerr"
	"time"
)

const (
	dialTimeout    = 5 * time.Second
	requestTimeout = 2 * time.Minute
)

// client sends one request per connection to a peer address.
type client struct {
	identity Identity
	auth     *Authenticator
	addr     func() string
	limit    int64
}

func (c *client) do(ctx context.Context, peerAddr string, msg Message) (Response, error) {
	token, err := c.auth.Sign()
	if err != nil {
		return Response{}, syncerr.Wrap(syncerr.KindDocument, "sign", err)
	}

	msg.OriginID = c.identity.NodeID
	msg.Device = c.identity.Device
	msg.Token = token
	msg.Addr = c.addr()

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", peerAddr)
	if err != nil {
		return Response{}, syncerr.WrapPath(syncerr.KindNetwork, "dial", peerAddr, err)
	}

	defer func(conn net.Conn) {
		_ = conn.Close()
	}(conn)

	deadline := time.Now().Add(requestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	w := bufio.NewWriter(conn)
	if err := WriteMessage(w, msg); err != nil {
		return Response{}, syncerr.WrapPath(syncerr.KindNetwork, "send "+msg.Type.String(), peerAddr, err)
	}
	if err := w.Flush(); err != nil {
		return Response{}, syncerr.WrapPath(syncerr.KindNetwork, "send "+msg.Type.String(), peerAddr, err)
	}

	resp, err := ReadResponse(bufio.NewReader(conn), c.limit)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, syncerr.Wrap(syncerr.KindCancelled, msg.Type.String(), ctx.Err())
		}
		return Response{}, syncerr.WrapPath(syncerr.KindNetwork, "read "+msg.Type.String(), peerAddr, err)
	}

	switch resp.Code {
	case ResponseOK, ResponseSkip, ResponseNotFound:
		return resp, nil
	case ResponseDenied:
		return resp, syncerr.New(syncerr.KindDocument, msg.Type.String(), "peer %s denied access", peerAddr)
	case ResponseErr:
		return resp, syncerr.New(syncerr.KindDocument, msg.Type.String(), "peer %s: %s", peerAddr, resp.Msg)
	default:
		return resp, fmt.Errorf("unknown response code: %d", resp.Code)
	}
}
