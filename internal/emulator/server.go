package emulator

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/keyauth"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"lova/backend"
	"lova/internal/utils"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = "127.0.0.1:8787"

// ShutdownTimeout bounds graceful shutdown after the run context ends.
const ShutdownTimeout = 5 * time.Second

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Server exposes a backend.DocumentStore over HTTP.
type Server struct {
	app   *fiber.App
	store backend.DocumentStore
	token string
	log   *logrus.Entry
}

// Option configures a Server.
type Option func(*Server)

// WithToken requires "Authorization: Bearer <token>" on every document route.
func WithToken(token string) Option {
	return func(s *Server) {
		s.token = token
	}
}

// WithLogger sets the log entry.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// NewServer builds the HTTP routes for store.
func NewServer(store backend.DocumentStore, opts ...Option) *Server {
	s := &Server{
		store: store,
		log:   utils.Component("emulator"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "lova document emulator",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(recover.New())
	s.app.Use(requestid.New())

	if s.token != "" {
		s.app.Use(keyauth.New(keyauth.Config{
			Next: func(c *fiber.Ctx) bool {
				return c.Path() == "/v1/health"
			},
			KeyLookup:  "header:" + fiber.HeaderAuthorization,
			AuthScheme: "Bearer",
			Validator: func(_ *fiber.Ctx, key string) (bool, error) {
				if subtle.ConstantTimeCompare([]byte(key), []byte(s.token)) == 1 {
					return true, nil
				}
				return false, keyauth.ErrMissingOrMalformedAPIKey
			},
			ErrorHandler: func(c *fiber.Ctx, err error) error {
				return fiber.NewError(fiber.StatusUnauthorized, err.Error())
			},
		}))
	}

	s.app.Get("/v1/health", s.health)

	docs := s.app.Group("/v1/collections/:collection/documents")
	docs.Post("/", s.add)
	docs.Get("/", s.query)
	docs.Get("/:id", s.get)
	docs.Put("/:id", s.set)
	docs.Patch("/:id", s.update)
	docs.Delete("/:id", s.remove)

	return s
}

// App returns the underlying fiber application.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.WithField("addr", addr).Info("emulator listening")
		return s.app.Listen(addr)
	})
	g.Go(func() error {
		<-ctx.Done()
		s.log.Info("emulator shutting down")
		return s.app.ShutdownWithTimeout(ShutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

type idBody struct {
	ID string `json:"id"`
}

type queryBody struct {
	Documents []backend.Snapshot `json:"documents"`
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, backend.ErrNotFound):
		code = fiber.StatusNotFound
	}
	if code >= fiber.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"method": c.Method(),
			"path":   c.Path(),
		}).Error("request failed")
	}
	return c.Status(code).JSON(errorBody{Error: err.Error()})
}

func (s *Server) health(c *fiber.Ctx) error {
	if p, ok := s.store.(backend.Pinger); ok {
		if err := p.Ping(c.UserContext()); err != nil {
			return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
		}
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func validName(value string) error {
	return validation.Validate(value,
		validation.Required,
		validation.Length(1, 128),
		validation.Match(namePattern),
	)
}

func collectionName(c *fiber.Ctx) (string, error) {
	name := c.Params("collection")
	if err := validName(name); err != nil {
		return "", fiber.NewError(fiber.StatusBadRequest, "invalid collection: "+err.Error())
	}
	return name, nil
}

// target returns the validated collection and document id of the request.
func target(c *fiber.Ctx) (string, string, error) {
	collection, err := collectionName(c)
	if err != nil {
		return "", "", err
	}
	id := c.Params("id")
	if err := validName(id); err != nil {
		return "", "", fiber.NewError(fiber.StatusBadRequest, "invalid document id: "+err.Error())
	}
	return collection, id, nil
}

func body(c *fiber.Ctx) (backend.Document, error) {
	var doc backend.Document
	if err := json.Unmarshal(c.Body(), &doc); err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "request body must be a JSON object")
	}
	if doc == nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "request body must be a JSON object")
	}
	return doc, nil
}

func (s *Server) add(c *fiber.Ctx) error {
	collection, err := collectionName(c)
	if err != nil {
		return err
	}
	doc, err := body(c)
	if err != nil {
		return err
	}
	id, err := s.store.Add(c.UserContext(), collection, doc)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(idBody{ID: id})
}

func (s *Server) query(c *fiber.Ctx) error {
	collection, err := collectionName(c)
	if err != nil {
		return err
	}
	where := backend.Where{Field: c.Query("field"), Value: c.Query("value")}
	docs, err := s.store.Query(c.UserContext(), collection, where)
	if err != nil {
		return err
	}
	if docs == nil {
		docs = []backend.Snapshot{}
	}
	return c.JSON(queryBody{Documents: docs})
}

func (s *Server) get(c *fiber.Ctx) error {
	collection, id, err := target(c)
	if err != nil {
		return err
	}
	snap, err := s.store.Get(c.UserContext(), collection, id)
	if err != nil {
		return err
	}
	return c.JSON(snap)
}

func (s *Server) set(c *fiber.Ctx) error {
	collection, id, err := target(c)
	if err != nil {
		return err
	}
	doc, err := body(c)
	if err != nil {
		return err
	}
	if err := s.store.Set(c.UserContext(), collection, id, doc, c.QueryBool("merge")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) update(c *fiber.Ctx) error {
	collection, id, err := target(c)
	if err != nil {
		return err
	}
	fields, err := body(c)
	if err != nil {
		return err
	}
	if err := s.store.Update(c.UserContext(), collection, id, fields); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) remove(c *fiber.Ctx) error {
	collection, id, err := target(c)
	if err != nil {
		return err
	}
	if err := s.store.Delete(c.UserContext(), collection, id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
