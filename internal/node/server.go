package node

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"peersync/internal/hashing"
	"peersync/internal/logger"
	"peersync/internal/model"
	"peersync/internal/store"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const connTimeout = 2 * time.Minute

// Server answers replication and blob requests from other ticket holders.
type Server struct {
	sess     *Session
	addr     string
	listener net.Listener
	doneCh   chan struct{}
	wg       sync.WaitGroup
}

func newServer(sess *Session, addr string) *Server {
	return &Server{
		sess:   sess,
		addr:   addr,
		doneCh: make(chan struct{}),
	}
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.listener = ln

	logger.Log.Info("peer server started",
		zap.String("addr", ln.Addr().String()),
		zap.String("node", s.sess.identity.NodeID))

	go s.accept()
	return nil
}

// Addr is the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) Stop() {
	close(s.doneCh)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.doneCh:
				return
			default:
				logger.Log.Error("accept error", zap.Error(err))
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
		}

		s.wg.Go(func() {
			s.handleConn(conn)
		})
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func(conn net.Conn) {
		_ = conn.Close()
	}(conn)

	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	reader := bufio.NewReader(conn)
	msg, err := ReadHeader(reader)
	if err != nil {
		logger.Log.Warn("failed to read message",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Error(err))
		_ = WriteResponse(conn, Response{Code: ResponseErr, Msg: err.Error()})
		return
	}

	subject, err := s.sess.auth.Verify(msg.Token)
	if err != nil || subject != msg.OriginID {
		logger.Log.Warn("rejected peer request",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.String("type", msg.Type.String()),
			zap.Error(err))
		_ = WriteResponse(conn, Response{Code: ResponseDenied, Msg: "access denied"})
		return
	}

	if err := ReadBody(reader, &msg, s.sess.opts.maxPayload()); err != nil {
		logger.Log.Warn("failed to read message body",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.String("type", msg.Type.String()),
			zap.Error(err))
		_ = WriteResponse(conn, Response{Code: ResponseErr, Msg: err.Error()})
		return
	}

	s.sess.touchPeer(msg)

	var resp Response
	switch msg.Type {
	case MessageHello, MessagePing:
		resp = Response{Code: ResponseOK}
	case MessagePull:
		resp = s.handlePull(msg)
	case MessagePush:
		resp = s.handlePush(msg)
	case MessageGetBlob:
		resp = s.handleGetBlob(msg)
	case MessagePutBlob:
		resp = s.handlePutBlob(msg)
	default:
		resp = Response{Code: ResponseErr, Msg: fmt.Sprintf("unknown message type: %d", msg.Type)}
	}

	resp.OriginID = s.sess.identity.NodeID
	resp.Device = s.sess.identity.Device
	if resp.Cursor == nil {
		resp.Cursor = s.sess.log.Clock()
	}

	if err := WriteResponse(conn, resp); err != nil {
		logger.Log.Warn("failed to write response",
			zap.String("type", msg.Type.String()),
			zap.Error(err))
	}
}

func (s *Server) handlePull(msg Message) Response {
	cursor := s.sess.log.Clock()
	records, err := s.sess.log.Since(msg.Cursor)
	if err != nil {
		return Response{Code: ResponseErr, Msg: err.Error()}
	}

	data, err := json.Marshal(records)
	if err != nil {
		return Response{Code: ResponseErr, Msg: err.Error()}
	}

	logger.Log.Debug("served pull",
		zap.String("peer", msg.OriginID),
		zap.Int("records", len(records)))

	return Response{Code: ResponseOK, Cursor: cursor, Data: data}
}

func (s *Server) handlePush(msg Message) Response {
	var records []model.LogRecord
	if err := json.Unmarshal(msg.Data, &records); err != nil {
		return Response{Code: ResponseErr, Msg: fmt.Sprintf("invalid records: %v", err)}
	}

	applied, err := s.sess.log.Apply(records)
	if err != nil {
		return Response{Code: ResponseErr, Msg: err.Error()}
	}

	if len(applied) == 0 {
		return Response{Code: ResponseSkip}
	}

	logger.Log.Info("records received",
		zap.String("peer", msg.OriginID),
		zap.Int("applied", len(applied)))

	return Response{Code: ResponseOK}
}

func (s *Server) handleGetBlob(msg Message) Response {
	data, err := s.sess.opts.Store.Get(msg.Hash)
	if errors.Is(err, store.ErrNotFound) {
		return Response{Code: ResponseNotFound}
	}
	if err != nil {
		return Response{Code: ResponseErr, Msg: err.Error()}
	}

	out, compressed := s.sess.opts.Codec.Encode(data)
	return Response{Code: ResponseOK, Data: out, Compressed: compressed}
}

func (s *Server) handlePutBlob(msg Message) Response {
	if s.sess.opts.Store.Has(msg.Hash) {
		return Response{Code: ResponseSkip}
	}

	data, err := s.sess.opts.Codec.Decode(msg.Data, msg.Compressed)
	if err != nil {
		return Response{Code: ResponseErr, Msg: err.Error()}
	}

	if err := hashing.Verify(data, msg.Hash); err != nil {
		logger.Log.Warn("rejected corrupted blob",
			zap.String("peer", msg.OriginID),
			zap.String("hash", msg.Hash.Short()))
		return Response{Code: ResponseErr, Msg: "checksum validation failed"}
	}

	if _, err := s.sess.opts.Store.Put(data); err != nil {
		return Response{Code: ResponseErr, Msg: err.Error()}
	}

	return Response{Code: ResponseOK}
}
