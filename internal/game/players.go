package game

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"

	"roverworld.ai/internal/clock"
	"roverworld.ai/internal/events"
	"roverworld.ai/internal/model"
	"roverworld.ai/internal/persistence/store"
	"roverworld.ai/internal/protocol"
)

const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
	argon2SaltLen = 16
)

// hashPassword returns an Argon2id hash in PHC string form.
func hashPassword(password string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argon2Memory, argon2Time, argon2Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

func verifyPassword(password, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, time, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// NewPlayer describes a player to create.
type NewPlayer struct {
	Email     string
	FirstName string
	LastName  string
	Password  string
	Valid     bool
}

func (np NewPlayer) validate() error {
	if _, err := mail.ParseAddress(np.Email); err != nil {
		return validationf(protocol.ErrBadEmail, "bad email %q", np.Email)
	}
	if strings.TrimSpace(np.FirstName) == "" || strings.TrimSpace(np.LastName) == "" {
		return validationf(protocol.ErrBadRequest, "first and last name are required")
	}
	if len(np.Password) < 6 {
		return validationf(protocol.ErrBadRequest, "password too short")
	}
	return nil
}

// CreatePlayer creates a password player whose epoch starts now, with a
// rover of the starting chassis parked on its lander.
func (g *Game) CreatePlayer(ctx context.Context, np NewPlayer) (string, error) {
	if err := np.validate(); err != nil {
		return "", err
	}
	chassis, ok := g.cat.Chassis.ByID[g.tun.StartingChassis]
	if !ok {
		return "", errors.Errorf("game: starting chassis %s is not defined", g.tun.StartingChassis)
	}
	hash, err := hashPassword(np.Password)
	if err != nil {
		return "", err
	}
	userID := uuid.NewString()
	err = g.db.Run(ctx, func(c *store.Ctx) error {
		n, err := store.Row[int64](c, "user_count_email", store.Args{"email": np.Email})
		if err != nil {
			return err
		}
		if n > 0 {
			return conflictf(protocol.ErrConflict, "email %s is taken", np.Email)
		}
		now := clock.Micros(c.Now())
		if _, err := c.Exec("user_insert", store.Args{
			"user_id":    userID,
			"email":      np.Email,
			"first_name": np.FirstName,
			"last_name":  np.LastName,
			"auth":       AuthPassword,
			"epoch":      now,
			"valid":      store.Bool(np.Valid),
			"created":    now,
		}); err != nil {
			return err
		}
		if _, err := c.Exec("user_password_insert", store.Args{"user_id": userID, "password": hash}); err != nil {
			return err
		}
		roverID := uuid.NewString()
		if _, err := c.Exec("rover_insert", store.Args{
			"rover_id":              roverID,
			"user_id":               userID,
			"chassis":               chassis.ID,
			"rover_key":             chassis.ModelName,
			"activated_at":          0,
			"active":                1,
			"max_unarrived_targets": chassis.MaxUnarrivedTargets,
			"min_target_seconds":    chassis.MinTargetSeconds,
			"max_target_seconds":    chassis.MaxTargetSeconds,
			"max_travel_distance":   chassis.MaxTravelDistance,
		}); err != nil {
			return err
		}
		if _, err := c.Exec("lander_insert", store.Args{
			"lander_id": uuid.NewString(),
			"rover_id":  roverID,
			"lat":       chassis.Lander.Lat,
			"lng":       chassis.Lander.Lng,
		}); err != nil {
			return err
		}
		for _, key := range chassis.StartingCapabilities {
			def := g.cat.Capabilities.ByID[key]
			if _, err := c.Exec("capability_insert", store.Args{
				"user_id":        userID,
				"capability_key": key,
				"uses":           def.InitialUses,
				"unlimited":      store.Bool(def.Unlimited),
			}); err != nil {
				return err
			}
		}
		return g.WithPlayer(c.Context(), userID, func(s *Session) error {
			_, err := s.Dispatch(events.ScopeUser, "", events.UserCreated, s.Player, nil)
			return err
		})
	})
	if err != nil {
		return "", err
	}
	g.auditf("player_created", userID, map[string]any{"email": np.Email})
	return userID, nil
}

// ValidatePlayer marks the player's email as confirmed.
func (s *Session) ValidatePlayer() error {
	if s.Player.Valid {
		return nil
	}
	if _, err := s.c.Exec("user_validate", store.Args{"user_id": s.UserID()}); err != nil {
		return err
	}
	model.Set(s.Player, "valid", &s.Player.Valid, true)
	_, err := s.Dispatch(events.ScopeUser, "", events.UserValidated, s.Player, nil)
	return err
}

// Authenticate resolves a password login to a user id.
func (g *Game) Authenticate(ctx context.Context, email, password string) (string, error) {
	var userID string
	err := g.db.Run(ctx, func(c *store.Ctx) error {
		row, err := store.Row[struct {
			UserID   string `db:"user_id"`
			Password string `db:"password"`
		}](c, "user_password_by_email", store.Args{"email": email})
		if errors.Is(err, store.ErrNotFound) {
			return constraintf(protocol.ErrUnauthorized, "bad email or password")
		}
		if err != nil {
			return err
		}
		if !verifyPassword(password, row.Password) {
			return constraintf(protocol.ErrUnauthorized, "bad email or password")
		}
		userID = row.UserID
		return nil
	})
	return userID, err
}

// PlayerSummary is the admin listing of one player.
type PlayerSummary struct {
	UserID       string
	Email        string
	Name         string
	Valid        bool
	Epoch        time.Time
	LastAccessed *time.Time
	Created      time.Time
}

// ListPlayers returns every player in creation order.
func (g *Game) ListPlayers(ctx context.Context) ([]PlayerSummary, error) {
	var out []PlayerSummary
	err := g.db.Run(ctx, func(c *store.Ctx) error {
		rows, err := store.Rows[userRow](c, "users_list", nil)
		if err != nil {
			return err
		}
		for _, r := range rows {
			p := PlayerSummary{
				UserID:  r.UserID,
				Email:   r.Email,
				Name:    strings.TrimSpace(r.FirstName + " " + r.LastName),
				Valid:   r.Valid,
				Epoch:   clock.FromMicros(r.Epoch),
				Created: clock.FromMicros(r.Created),
			}
			if r.LastAccessed != nil {
				t := clock.FromMicros(*r.LastAccessed)
				p.LastAccessed = &t
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}
