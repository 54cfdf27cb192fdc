package httpapi

import (
	"crypto/subtle"
	"net/http"

	"lukechampine.com/blake3"

	"roverworld.ai/internal/game"
	"roverworld.ai/internal/protocol"
)

// rendererAuth holds only the digest of the shared secret.
type rendererAuth struct {
	digest [32]byte
	set    bool
}

func newRendererAuth(secret string) *rendererAuth {
	if secret == "" {
		return &rendererAuth{}
	}
	return &rendererAuth{digest: blake3.Sum256([]byte(secret)), set: true}
}

func (a *rendererAuth) ok(token string) bool {
	if !a.set || token == "" {
		return false
	}
	got := blake3.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(got[:], a.digest[:]) == 1
}

func (s *Server) rendererOnly(h handlerFunc) handlerFunc {
	return func(r *http.Request, body []byte) (any, error) {
		if !s.renderer.Allow() {
			return nil, &httpError{status: http.StatusTooManyRequests, code: protocol.ErrRateLimit, msg: "renderer rate limit"}
		}
		return h(r, body)
	}
}

var errBadAuth = &httpError{status: http.StatusUnauthorized, code: protocol.ErrUnauthorized, msg: "bad renderer auth"}

type nextTargetResp struct {
	protocol.StatusResp
	*game.RenderJob
}

func (s *Server) nextTarget(r *http.Request, body []byte) (any, error) {
	var req protocol.NextTargetReq
	if err := protocol.Decode(protocol.ReqNextTarget, body, &req); err != nil {
		return nil, err
	}
	if !s.auth.ok(req.Auth) {
		return nil, errBadAuth
	}
	job, err := s.g.NextTarget(r.Context())
	if err != nil {
		return nil, err
	}
	return nextTargetResp{StatusResp: protocol.StatusResp{Status: "ok"}, RenderJob: job}, nil
}

func (s *Server) processedTarget(r *http.Request, body []byte) (any, error) {
	var req protocol.ProcessedTargetReq
	if err := protocol.Decode(protocol.ReqProcessedTarget, body, &req); err != nil {
		return nil, err
	}
	if !s.auth.ok(req.Auth) {
		return nil, errBadAuth
	}
	tiles := make([]game.TileKey, 0, len(req.Tiles))
	for _, t := range req.Tiles {
		tiles = append(tiles, game.TileKey{Zoom: t.Zoom, X: t.X, Y: t.Y})
	}
	err := s.g.ProcessedTarget(r.Context(), game.ProcessedRequest{
		UserID:      req.UserID,
		RoverID:     req.RoverID,
		TargetID:    req.TargetID,
		ArrivalTime: req.ArrivalTime,
		Classified:  req.Classified,
		Metadata:    req.Metadata,
		Images:      req.Images,
		Sounds:      req.Sounds,
		Tiles:       tiles,
	})
	if err != nil {
		return nil, err
	}
	return protocol.StatusResp{Status: "ok"}, nil
}
