package grpc

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/jordan16ellis/fw-coll-env/internal/config"
	"github.com/jordan16ellis/fw-coll-env/internal/logging"
)

// SharedSecretMetadataKey carries the shared secret on every call.
const SharedSecretMetadataKey = "x-fwcoll-shared-secret"

// ServerOptions builds transport security, authentication and logging
// options for the gRPC listener. TLS is enabled when a certificate is
// configured and client certificates are required when a CA bundle is given.
func ServerOptions(cfg config.GRPCConfig, logger *logging.Logger) ([]grpc.ServerOption, error) {
	if logger == nil {
		logger = logging.L()
	}
	var opts []grpc.ServerOption
	if cfg.TLSCertPath != "" {
		creds, err := loadServerCredentials(cfg.TLSCertPath, cfg.TLSKeyPath, cfg.ClientCAPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(creds))
		logger.Info("gRPC TLS enabled", logging.Bool("client_auth", cfg.ClientCAPath != ""))
	}

	unary := []grpc.UnaryServerInterceptor{traceUnaryInterceptor(logger)}
	if secret := strings.TrimSpace(cfg.SharedSecret); secret != "" {
		unary = append(unary, sharedSecretUnaryInterceptor(secret))
		logger.Info("gRPC shared-secret authentication enabled")
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(unary...))
	return opts, nil
}

// traceUnaryInterceptor attaches a trace-scoped logger and logs call outcomes.
func traceUnaryInterceptor(base *logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var incoming string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if values := md.Get(strings.ToLower(logging.TraceIDHeader)); len(values) > 0 {
				incoming = values[0]
			}
		}
		ctx, logger, _ := logging.WithTrace(ctx, base, incoming)
		started := time.Now()
		resp, err := handler(ctx, req)
		fields := []logging.Field{
			logging.String("method", info.FullMethod),
			logging.Duration("duration", time.Since(started)),
			logging.String("code", status.Code(err).String()),
		}
		if err != nil {
			logger.Warn("gRPC call failed", append(fields, logging.Error(err))...)
		} else {
			logger.Debug("gRPC call served", fields...)
		}
		return resp, err
	}
}

func sharedSecretUnaryInterceptor(secret string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		candidate := extractSharedSecret(md)
		if candidate == "" {
			return nil, status.Error(codes.Unauthenticated, "missing shared secret")
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(secret)) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid shared secret")
		}
		return handler(ctx, req)
	}
}

func extractSharedSecret(md metadata.MD) string {
	for _, value := range md.Get(SharedSecretMetadataKey) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	for _, value := range md.Get("authorization") {
		if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
			if token := strings.TrimSpace(value[7:]); token != "" {
				return token
			}
		}
	}
	return ""
}

func loadServerCredentials(certPath, keyPath, caPath string) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if caPath != "" {
		caBytes, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("failed to parse client ca bundle %s", caPath)
		}
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = pool
	}
	return credentials.NewTLS(tlsConfig), nil
}

// SharedSecret is per-RPC credentials that present the shared secret.
type SharedSecret struct {
	Secret string
	// Secure requires a TLS transport before the secret is sent.
	Secure bool
}

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (s SharedSecret) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{SharedSecretMetadataKey: s.Secret}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
func (s SharedSecret) RequireTransportSecurity() bool { return s.Secure }

var _ credentials.PerRPCCredentials = SharedSecret{}
