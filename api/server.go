package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Aidin1998/sigswap/api/responses"
	"github.com/Aidin1998/sigswap/internal/swap/model"
	"github.com/Aidin1998/sigswap/internal/swap/pricing"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// OrderEngine is the part of the matching engine the API drives.
type OrderEngine interface {
	AddOrder(ctx context.Context, o *model.Order) (*model.Rejection, error)
	RemoveOrder(ctx context.Context, id uint64) (bool, error)
	Orders(ctx context.Context) ([]*model.Order, error)
	Done() <-chan struct{}
}

// CancelAuthorizer checks that a cancel request was signed by the order's
// owner.
type CancelAuthorizer interface {
	CheckCancel(o *model.Order, sig []byte) *model.Rejection
}

// IDSource hands out intake ids.
type IDSource interface {
	NextID() (uint64, error)
}

// Config holds the HTTP server settings.
type Config struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

// Server represents the API server
type Server struct {
	router *gin.Engine
	http   *http.Server
	engine OrderEngine
	auth   CancelAuthorizer
	ids    IDSource
	stream http.Handler
	logger *zap.Logger
}

// NewServer creates the intake API. stream serves the event feed and may
// be nil.
func NewServer(cfg Config, engine OrderEngine, auth CancelAuthorizer, ids IDSource, stream http.Handler, logger *zap.Logger) *Server {
	s := &Server{
		engine: engine,
		auth:   auth,
		ids:    ids,
		stream: stream,
		logger: logger,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware("sigswap-api"))

	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 || cfg.AllowedOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	router.Use(cors.New(corsCfg))

	s.router = router
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	s.registerRoutes()
	return s
}

// Router returns the internal Gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/health", s.healthCheck)

		orders := v1.Group("/orders")
		orders.Use(bodyValidation())
		{
			orders.POST("", s.submitOrder)
			orders.GET("", s.listOrders)
			orders.GET("/:id", s.getOrder)
			orders.DELETE("/:id", s.cancelOrder)
		}

		if s.stream != nil {
			v1.GET("/ws", gin.WrapH(s.stream))
		}
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	select {
	case <-s.engine.Done():
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stopped"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	}
}

// orderView is an order as listed by the API, with the Q96 price also
// rendered as a decimal.
type orderView struct {
	ID uint64 `json:"id"`
	*model.OrderRequest
	Hash  string          `json:"hash"`
	Price decimal.Decimal `json:"price"`
}

func newOrderView(o *model.Order) orderView {
	return orderView{
		ID:           o.ID,
		OrderRequest: o.ToRequest(),
		Hash:         o.Hash().Hex(),
		Price:        pricing.Decimal(o.PriceX96),
	}
}

func (s *Server) submitOrder(c *gin.Context) {
	var req model.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.BadRequest(c, "invalid JSON body: "+err.Error())
		return
	}

	order, err := model.ParseOrder(&req)
	if err != nil {
		var rej *model.Rejection
		if errors.As(err, &rej) {
			responses.Rejected(c, rej)
			return
		}
		responses.BadRequest(c, err.Error())
		return
	}

	id, err := s.ids.NextID()
	if err != nil {
		s.logger.Error("failed to assign order id", zap.Error(err))
		responses.InternalServerError(c, "could not assign order id")
		return
	}
	order = order.WithID(id)

	rej, err := s.engine.AddOrder(c.Request.Context(), order)
	if err != nil {
		s.logger.Warn("engine unavailable", zap.Uint64("order_id", id), zap.Error(err))
		responses.ServiceUnavailable(c, "matching engine unavailable")
		return
	}
	if rej != nil {
		responses.Rejected(c, rej)
		return
	}

	responses.Created(c, gin.H{"id": id, "hash": order.Hash().Hex()}, "order accepted")
}

func (s *Server) listOrders(c *gin.Context) {
	orders, err := s.engine.Orders(c.Request.Context())
	if err != nil {
		responses.ServiceUnavailable(c, "matching engine unavailable")
		return
	}
	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, newOrderView(o))
	}
	responses.Success(c, views)
}

// findOrder looks id up in the book. It writes the error response itself
// and reports false when the engine is unavailable.
func (s *Server) findOrder(c *gin.Context, id uint64) (*model.Order, bool) {
	orders, err := s.engine.Orders(c.Request.Context())
	if err != nil {
		responses.ServiceUnavailable(c, "matching engine unavailable")
		return nil, false
	}
	for _, o := range orders {
		if o.ID == id {
			return o, true
		}
	}
	return nil, true
}

func (s *Server) getOrder(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	o, ok := s.findOrder(c, id)
	if !ok {
		return
	}
	if o == nil {
		responses.NotFound(c, "order "+c.Param("id")+" is not in the book")
		return
	}
	responses.Success(c, newOrderView(o))
}

// cancelOrder removes an order from the book when the body carries the
// owner's signature over the order's cancel hash. Ids that are not in the
// book succeed without a check.
func (s *Server) cancelOrder(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req model.CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.BadRequest(c, "invalid JSON body: "+err.Error())
		return
	}
	sig, err := model.ParseCancel(&req)
	if err != nil {
		var rej *model.Rejection
		if errors.As(err, &rej) {
			responses.Rejected(c, rej)
			return
		}
		responses.BadRequest(c, err.Error())
		return
	}

	o, ok := s.findOrder(c, id)
	if !ok {
		return
	}
	if o == nil {
		responses.NoContent(c)
		return
	}
	if rej := s.auth.CheckCancel(o, sig); rej != nil {
		s.logger.Warn("cancel refused", zap.Uint64("order_id", id), zap.String("detail", rej.Detail))
		responses.Forbidden(c, rej)
		return
	}

	removed, err := s.engine.RemoveOrder(c.Request.Context(), id)
	if err != nil {
		responses.ServiceUnavailable(c, "matching engine unavailable")
		return
	}
	s.logger.Debug("order removal requested", zap.Uint64("order_id", id), zap.Bool("removed", removed))
	responses.NoContent(c)
}

func parseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		responses.BadRequest(c, "order id must be a positive integer")
		return 0, false
	}
	return id, true
}
