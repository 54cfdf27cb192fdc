package httpapi

import (
	"net/http"

	"roverworld.ai/internal/chips"
	"roverworld.ai/internal/game"
	"roverworld.ai/internal/protocol"
)

func (s *Server) login(r *http.Request, body []byte) (any, error) {
	var req protocol.LoginReq
	if err := protocol.Decode(protocol.ReqLogin, body, &req); err != nil {
		return nil, err
	}
	userID, err := s.g.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		return nil, err
	}
	return protocol.LoginResp{UserID: userID}, nil
}

func (s *Server) gamestate(r *http.Request, userID string, _ []byte) (any, error) {
	return s.g.Gamestate(r.Context(), userID)
}

func (s *Server) fetchChips(r *http.Request, userID string, body []byte) (any, error) {
	var req protocol.Since
	if err := protocol.Decode(protocol.ReqChips, body, &req); err != nil {
		return nil, err
	}
	cs, err := s.g.FetchChips(r.Context(), userID, req.LastSeenChipTime)
	if err != nil {
		return nil, err
	}
	return protocol.ChipsResp{Chips: chips.WireAll(cs)}, nil
}

// act decodes body as request name into req, then runs fn in the player's
// context and answers with the chips the client has not seen.
func act[T any](s *Server, r *http.Request, userID, name string, body []byte, since func(*T) int64, fn func(s *game.Session, req *T) error) (any, error) {
	var req T
	if err := protocol.Decode(name, body, &req); err != nil {
		return nil, err
	}
	cs, err := s.g.Act(r.Context(), userID, since(&req), func(sess *game.Session) error { return fn(sess, &req) })
	if err != nil {
		return nil, err
	}
	return protocol.ChipsResp{Chips: chips.WireAll(cs)}, nil
}

func (s *Server) createTarget(r *http.Request, userID string, body []byte) (any, error) {
	return act(s, r, userID, protocol.ReqCreateTarget, body,
		func(q *protocol.CreateTargetReq) int64 { return q.LastSeenChipTime },
		func(sess *game.Session, q *protocol.CreateTargetReq) error {
			_, err := sess.CreateTarget(q.RoverID, game.TargetRequest{
				CID:          q.CID,
				Lat:          q.Lat,
				Lng:          q.Lng,
				Yaw:          q.Yaw,
				Pitch:        q.Pitch,
				ArrivalDelta: q.ArrivalDelta,
				Metadata:     q.Metadata,
				Picture:      true,
				UserCreated:  true,
			})
			return err
		})
}

func (s *Server) abortTarget(r *http.Request, userID string, body []byte) (any, error) {
	return act(s, r, userID, protocol.ReqTarget, body,
		func(q *protocol.TargetReq) int64 { return q.LastSeenChipTime },
		func(sess *game.Session, q *protocol.TargetReq) error { return sess.AbortTarget(q.TargetID) })
}

func (s *Server) highlightTarget(r *http.Request, userID string, body []byte) (any, error) {
	return act(s, r, userID, protocol.ReqTarget, body,
		func(q *protocol.TargetReq) int64 { return q.LastSeenChipTime },
		func(sess *game.Session, q *protocol.TargetReq) error { return sess.HighlightTarget(q.TargetID) })
}

func (s *Server) markViewed(r *http.Request, userID string, body []byte) (any, error) {
	return act(s, r, userID, protocol.ReqMarkViewed, body,
		func(q *protocol.MarkViewedReq) int64 { return q.LastSeenChipTime },
		func(sess *game.Session, q *protocol.MarkViewedReq) error { return sess.MarkViewed(q.Kind, q.ID) })
}

func (s *Server) checkSpecies(r *http.Request, userID string, body []byte) (any, error) {
	var identified []string
	resp, err := act(s, r, userID, protocol.ReqCheckSpecies, body,
		func(q *protocol.CheckSpeciesReq) int64 { return q.LastSeenChipTime },
		func(sess *game.Session, q *protocol.CheckSpeciesReq) error {
			rects := make([]game.RectInput, 0, len(q.Rects))
			for _, rc := range q.Rects {
				rects = append(rects, game.RectInput{XMin: rc.XMin, YMin: rc.YMin, XMax: rc.XMax, YMax: rc.YMax})
			}
			var err error
			identified, err = sess.CheckSpecies(q.TargetID, rects)
			return err
		})
	if err != nil {
		return nil, err
	}
	if identified == nil {
		identified = []string{}
	}
	return protocol.CheckSpeciesResp{ChipsResp: resp.(protocol.ChipsResp), Identified: identified}, nil
}

func (s *Server) createProgress(r *http.Request, userID string, body []byte) (any, error) {
	return act(s, r, userID, protocol.ReqCreateProgress, body,
		func(q *protocol.CreateProgressReq) int64 { return q.LastSeenChipTime },
		func(sess *game.Session, q *protocol.CreateProgressReq) error {
			_, err := sess.CreateProgress(q.Key, q.Value)
			return err
		})
}

func (s *Server) messageContent(r *http.Request, userID string, body []byte) (any, error) {
	var msg game.MessageBody
	resp, err := act(s, r, userID, protocol.ReqMessage, body,
		func(q *protocol.MessageReq) int64 { return q.LastSeenChipTime },
		func(sess *game.Session, q *protocol.MessageReq) error {
			var err error
			msg, err = sess.MessageContent(q.MessageID)
			return err
		})
	if err != nil {
		return nil, err
	}
	return protocol.MessageContentResp{
		ChipsResp: resp.(protocol.ChipsResp),
		Sender:    msg.Sender,
		Subject:   msg.Subject,
		Body:      msg.Body,
	}, nil
}

func (s *Server) messageUnlock(r *http.Request, userID string, body []byte) (any, error) {
	return act(s, r, userID, protocol.ReqMessageUnlock, body,
		func(q *protocol.MessageUnlockReq) int64 { return q.LastSeenChipTime },
		func(sess *game.Session, q *protocol.MessageUnlockReq) error {
			return sess.MessageUnlock(q.MessageID, q.Password)
		})
}

func (s *Server) messageForward(r *http.Request, userID string, body []byte) (any, error) {
	return act(s, r, userID, protocol.ReqMessageForward, body,
		func(q *protocol.MessageForwardReq) int64 { return q.LastSeenChipTime },
		func(sess *game.Session, q *protocol.MessageForwardReq) error {
			return sess.MessageForward(q.MessageID, q.Recipient)
		})
}

func (s *Server) updateViewedAlertsAt(r *http.Request, userID string, body []byte) (any, error) {
	return act(s, r, userID, protocol.ReqChips, body,
		func(q *protocol.Since) int64 { return q.LastSeenChipTime },
		func(sess *game.Session, _ *protocol.Since) error { return sess.UpdateViewedAlertsAt() })
}

func (s *Server) setNotificationFrequency(r *http.Request, userID string, body []byte) (any, error) {
	return act(s, r, userID, protocol.ReqNotification, body,
		func(q *protocol.NotificationReq) int64 { return q.LastSeenChipTime },
		func(sess *game.Session, q *protocol.NotificationReq) error {
			return sess.SetNotificationFrequency(q.Frequency)
		})
}
