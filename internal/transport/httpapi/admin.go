package httpapi

import (
	"net/http"

	"roverworld.ai/internal/protocol"
)

func (s *Server) advanceGame(r *http.Request, body []byte) (any, error) {
	var req protocol.TimeShiftReq
	if err := protocol.Decode(protocol.ReqTimeShift, body, &req); err != nil {
		return nil, err
	}
	if err := s.g.AdvanceGame(r.Context(), req.UserID, req.Seconds); err != nil {
		return nil, err
	}
	s.logger.Printf("admin: advanced %s by %ds", req.UserID, req.Seconds)
	return protocol.StatusResp{Status: "ok"}, nil
}

func (s *Server) rewindGame(r *http.Request, body []byte) (any, error) {
	var req protocol.TimeShiftReq
	if err := protocol.Decode(protocol.ReqTimeShift, body, &req); err != nil {
		return nil, err
	}
	if err := s.g.RewindGame(r.Context(), req.UserID, req.Seconds); err != nil {
		return nil, err
	}
	s.logger.Printf("admin: rewound %s by %ds", req.UserID, req.Seconds)
	return protocol.StatusResp{Status: "ok"}, nil
}

func (s *Server) processDeferred(r *http.Request, body []byte) (any, error) {
	var req protocol.UserReq
	if err := protocol.Decode(protocol.ReqUser, body, &req); err != nil {
		return nil, err
	}
	n, err := s.g.ProcessDeferred(r.Context(), req.UserID)
	if err != nil {
		return nil, err
	}
	return protocol.DispatchedResp{StatusResp: protocol.StatusResp{Status: "ok"}, Dispatched: n}, nil
}
