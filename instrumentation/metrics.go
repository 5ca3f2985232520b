package instrumentation

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the authorization server
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth Flow Metrics
	AuthorizationCodesIssued metric.Int64Counter
	TokensIssued             metric.Int64Counter
	TokenRequestsFailed      metric.Int64Counter
	TokensRevoked            metric.Int64Counter
	FamiliesRevoked          metric.Int64Counter
	ClientsRegistered        metric.Int64Counter

	// Security Metrics
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	TokenReuseDetected   metric.Int64Counter
	AuditEventsTotal     metric.Int64Counter
	HashDuration         metric.Float64Histogram

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageSizeClients       metric.Int64ObservableGauge
	StorageSizeCodes         metric.Int64ObservableGauge
	StorageSizeAccessTokens  metric.Int64ObservableGauge
	StorageSizeRefreshTokens metric.Int64ObservableGauge
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	m := &Metrics{}
	var err error

	counter := func(meter metric.Meter, name, desc, unit string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil {
			err = fmt.Errorf("failed to create %s counter: %w", name, err)
		}
		return c
	}
	histogram := func(meter metric.Meter, name, desc string) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
		if err != nil {
			err = fmt.Errorf("failed to create %s histogram: %w", name, err)
		}
		return h
	}
	gauge := func(name, desc string) metric.Int64ObservableGauge {
		if err != nil {
			return nil
		}
		var g metric.Int64ObservableGauge
		g, err = storageMeter.Int64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit("{item}"))
		if err != nil {
			err = fmt.Errorf("failed to create %s gauge: %w", name, err)
		}
		return g
	}

	m.HTTPRequestsTotal = counter(httpMeter, "oauth.http.requests.total", "Total number of HTTP requests", "{request}")
	m.HTTPRequestDuration = histogram(httpMeter, "oauth.http.request.duration", "HTTP request duration in milliseconds")

	m.AuthorizationCodesIssued = counter(serverMeter, "oauth.authorization_code.issued", "Number of authorization codes issued", "{code}")
	m.TokensIssued = counter(serverMeter, "oauth.token.issued", "Number of token sets issued, by grant type", "{token}")
	m.TokenRequestsFailed = counter(serverMeter, "oauth.token.failed", "Number of failed token requests, by OAuth error code", "{request}")
	m.TokensRevoked = counter(serverMeter, "oauth.token.revoked", "Number of tokens revoked, by token type", "{token}")
	m.FamiliesRevoked = counter(serverMeter, "oauth.token.family_revoked", "Number of token families revoked, by reason", "{family}")
	m.ClientsRegistered = counter(serverMeter, "oauth.client.registered", "Number of clients registered", "{client}")

	m.PKCEValidationFailed = counter(securityMeter, "oauth.pkce.validation_failed", "Number of PKCE verification failures", "{failure}")
	m.CodeReuseDetected = counter(securityMeter, "oauth.code.reuse_detected", "Number of authorization code replays", "{event}")
	m.TokenReuseDetected = counter(securityMeter, "oauth.token.reuse_detected", "Number of refresh token replays", "{event}")
	m.AuditEventsTotal = counter(securityMeter, "oauth.audit.events.total", "Number of audit events logged", "{event}")
	m.HashDuration = histogram(securityMeter, "oauth.secret.hash.duration", "Secret hashing and verification duration in milliseconds")

	m.StorageOperationTotal = counter(storageMeter, "oauth.storage.operation.total", "Number of storage operations", "{operation}")
	m.StorageOperationDuration = histogram(storageMeter, "oauth.storage.operation.duration", "Storage operation duration in milliseconds")
	m.StorageSizeClients = gauge("oauth.storage.clients.count", "Number of stored clients")
	m.StorageSizeCodes = gauge("oauth.storage.codes.count", "Number of stored authorization codes")
	m.StorageSizeAccessTokens = gauge("oauth.storage.access_tokens.count", "Number of stored access tokens")
	m.StorageSizeRefreshTokens = gauge("oauth.storage.refresh_tokens.count", "Number of stored refresh tokens")

	if err != nil {
		return nil, err
	}
	return m, nil
}

// RecordHTTPRequest records an HTTP request with its method, endpoint, status code, and duration
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.String(AttrHTTPStatusCode, strconv.Itoa(statusCode)),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordAuthorizationCodeIssued records a code handed out by the authorize endpoint
func (m *Metrics) RecordAuthorizationCodeIssued(ctx context.Context, clientID, pkceMethod string) {
	m.AuthorizationCodesIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrClientID, clientID),
		attribute.String(AttrPKCEMethod, pkceMethod),
	))
}

// RecordTokenIssued records a successful token response
func (m *Metrics) RecordTokenIssued(ctx context.Context, clientID, grantType string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrClientID, clientID),
		attribute.String(AttrGrantType, grantType),
	))
}

// RecordTokenRequestFailed records a failed token request by OAuth error code
func (m *Metrics) RecordTokenRequestFailed(ctx context.Context, grantType, errorCode string) {
	m.TokenRequestsFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrGrantType, grantType),
		attribute.String(AttrError, errorCode),
	))
}

// RecordTokenRevocation records a revoked token
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID, tokenType string) {
	m.TokensRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrClientID, clientID),
		attribute.String(AttrTokenType, tokenType),
	))
}

// RecordFamilyRevocation records a family revocation and its cause
func (m *Metrics) RecordFamilyRevocation(ctx context.Context, reason string) {
	m.FamiliesRevoked.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrRevocationReason, reason)))
}

// RecordClientRegistration records a new client
func (m *Metrics) RecordClientRegistration(ctx context.Context, clientType string) {
	m.ClientsRegistered.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrClientType, clientType)))
}

// RecordPKCEValidationFailed records a failed PKCE verification
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrPKCEMethod, method)))
}

// RecordCodeReuseDetected records an authorization code replay
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordTokenReuseDetected records a refresh token replay
func (m *Metrics) RecordTokenReuseDetected(ctx context.Context) {
	m.TokenReuseDetected.Add(ctx, 1)
}

// RecordAuditEvent records an audit event that was logged
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrAuditEventType, eventType)))
}

// RecordHash records the duration of a hash or verify call
func (m *Metrics) RecordHash(ctx context.Context, operation string, durationMs float64) {
	m.HashDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String(AttrHashOperation, operation)))
}

// RecordStorageOperation records a storage operation with its result and duration
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageResult, result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}
