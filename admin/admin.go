// Package admin exposes read-only runtime state over JSON-RPC 2.0 on HTTP.
//
//	POST /rpc  {"jsonrpc":"2.0","method":"Admin.Server","params":{},"id":1}
//	POST /rpc  {"jsonrpc":"2.0","method":"Admin.Client","params":{},"id":2}
package admin

import (
	"errors"
	"net/http"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"

	"dyn-rpc/client"
	"dyn-rpc/server"
	"dyn-rpc/transport"
)

// Path is where the handler is usually mounted.
const Path = "/rpc"

var (
	errNoServer = errors.New("admin: no server attached")
	errNoClient = errors.New("admin: no client attached")
)

// Service is registered as "Admin".
type Service struct {
	srv *server.Server
	cli *client.Client
}

// NewService reports on srv and cli; either may be nil.
func NewService(srv *server.Server, cli *client.Client) *Service {
	return &Service{srv: srv, cli: cli}
}

type Empty struct{}

type ServiceReply struct {
	Key     string   `json:"key"`
	Methods []string `json:"methods"`
}

type ServerReply struct {
	Endpoint string         `json:"endpoint"`
	Services []ServiceReply `json:"services"`
	Stats    server.Stats   `json:"stats"`
}

type ClientReply struct {
	Endpoints []string        `json:"endpoints"`
	Stats     transport.Stats `json:"stats"`
}

// Server reports the local server's endpoint, method tables and counters.
func (s *Service) Server(r *http.Request, args *Empty, reply *ServerReply) error {
	if s.srv == nil {
		return errNoServer
	}
	reply.Endpoint = s.srv.Endpoint().String()
	for _, info := range s.srv.Services() {
		reply.Services = append(reply.Services, ServiceReply{
			Key:     info.Key(),
			Methods: s.srv.Methods(info.Key()),
		})
	}
	reply.Stats = s.srv.Stats()
	return nil
}

// Client reports the endpoints the client knows and its connection counters.
func (s *Service) Client(r *http.Request, args *Empty, reply *ClientReply) error {
	if s.cli == nil {
		return errNoClient
	}
	m := s.cli.Manager()
	for _, ep := range m.Endpoints() {
		reply.Endpoints = append(reply.Endpoints, ep.String())
	}
	reply.Stats = m.Stats()
	return nil
}

// NewHandler builds the JSON-RPC handler for svc.
func NewHandler(svc *Service, logger *zap.Logger) (http.Handler, error) {
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("admin")

	s := rpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(svc, "Admin"); err != nil {
		return nil, err
	}
	s.RegisterAfterFunc(func(info *rpc.RequestInfo) {
		if info.Error != nil {
			logger.Warn("admin call failed", zap.String("method", info.Method), zap.Error(info.Error))
			return
		}
		logger.Debug("admin call", zap.String("method", info.Method))
	})
	return s, nil
}
