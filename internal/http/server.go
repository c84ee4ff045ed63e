package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler, feed http.Handler, log *zap.Logger, corsOrigins []string) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Stripe-Signature"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// Provider callbacks.
	r.Post("/webhooks/stripe", handler.StripeWebhook)
	r.Post("/notify/alipay", handler.AlipayNotify)
	r.Post("/notify/wechatpay", handler.WeChatPayNotify)
	r.Post("/payments/paypal/{paypalOrderId}/capture", handler.CapturePayPalOrder)

	r.Post("/payments/intents", handler.RegisterIntent)
	r.Get("/transactions/{provider}/{providerRef}", handler.GetTransaction)

	r.Route("/deposits/{lotId}", func(r chi.Router) {
		r.Post("/pay", handler.InitiateDepositPayment)
		r.Post("/refund", handler.RequestRefund)
	})
	r.Post("/obligations/{obligationId}/pay", handler.PayObligation)

	r.Route("/admin", func(r chi.Router) {
		r.Route("/deposits/{lotId}", func(r chi.Router) {
			r.Post("/refundable", handler.MarkRefundable)
			r.Post("/complete-refund", handler.CompleteRefund)
			r.Post("/forfeit", handler.Forfeit)
		})
		r.Route("/sellers/{sellerId}", func(r chi.Router) {
			r.Post("/deposits/evaluate", handler.EvaluateExposure)
			r.Post("/debts", handler.CreateDebt)
			r.Post("/debts/collect", handler.CollectDebts)
		})
		if feed != nil {
			r.Handle("/feed", feed)
		}
	})

	return &Server{Router: r}
}

func requestLogger(log *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr))
		})
	}
}
