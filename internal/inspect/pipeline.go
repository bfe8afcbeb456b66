// Package inspect orchestrates one runtime inspection: availability and
// policy gates, binding validation, size estimation, serialization, and the
// gateway call, strictly in that order. One call in, one Outcome out; nothing
// is ever raised past Inspect.
package inspect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"kernelpeek/internal/gateway"
	"kernelpeek/internal/kernel"
	"kernelpeek/internal/observability"
	"kernelpeek/internal/policy"
	"kernelpeek/internal/serialize"
)

// KernelClient is the slice of the kernel session the pipeline drives.
type KernelClient interface {
	Connected() bool
	ValidateBinding(ctx context.Context, expression string, timeout time.Duration) kernel.ValidateResult
	EstimateSize(ctx context.Context, expression, runtimeTypeName string, timeout time.Duration) kernel.SizeResult
	SerializeObject(ctx context.Context, expression string, strategy serialize.Strategy, timeout time.Duration) serialize.Envelope
}

// Gateway is the slice of the inspection server client the pipeline drives.
type Gateway interface {
	EnsureAvailable(ctx context.Context) bool
	Inspect(ctx context.Context, req gateway.InspectRequest) gateway.InspectResponse
}

// Service is one explicitly constructed pipeline instance; there is no
// ambient global. Enabled is the master switch from configuration.
type Service struct {
	enabled  bool
	policies *policy.Store
	kernel   KernelClient
	gateway  Gateway
}

func NewService(enabled bool, policies *policy.Store, kc KernelClient, gw Gateway) *Service {
	return &Service{enabled: enabled, policies: policies, kernel: kc, gateway: gw}
}

// IsAvailable reports whether a call has any chance of reaching the remote
// side: kernel connected and inspection server answering.
func (s *Service) IsAvailable(ctx context.Context) bool {
	return s.enabled && s.kernel.Connected() && s.gateway.EnsureAvailable(ctx)
}

// HasPolicy reports whether the static type has a configured budget.
func (s *Service) HasPolicy(staticType string) bool {
	_, ok := s.policies.Lookup(staticType)
	return ok
}

// run tracks per-stage timings for one call.
type run struct {
	started time.Time
	timings []StageTiming
}

// stage times fn under the given name whether or not the pipeline continues.
func (r *run) stage(name string, fn func()) {
	start := time.Now()
	fn()
	d := time.Since(start)
	r.timings = append(r.timings, StageTiming{Stage: name, Duration: d})
	observability.RecordStage(name, d)
}

func (r *run) finish(out Outcome) Outcome {
	out.Timings = r.timings
	out.Elapsed = time.Since(r.started)
	reason := "success"
	if !out.Success {
		reason = string(out.Reason)
	}
	observability.RecordInspection(out.StaticType, reason)
	return out
}

// Inspect runs the stage sequence for one expression. Stages execute
// strictly sequentially with early exit; soft failures become notes. A panic
// anywhere inside the stages is converted into an InspectionError outcome.
func (s *Service) Inspect(ctx context.Context, expression, staticType string) (out Outcome) {
	r := &run{started: time.Now()}
	out = Outcome{Expression: expression, StaticType: staticType}

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Any("panic", rec).Str("expression", expression).Msg("inspection pipeline panicked")
			out.Success = false
			out.Reason = ReasonInspectionError
			out.Detail = "internal inspection failure"
			out = r.finish(out)
		}
	}()

	if !s.enabled {
		out.Reason = ReasonConfigNotFound
		out.Detail = "runtime inspection disabled by configuration"
		return r.finish(out)
	}

	pol, ok := s.policies.Lookup(staticType)
	if !ok {
		out.Reason = ReasonTypeNotConfigured
		out.Detail = "no inspection policy for " + staticType
		return r.finish(out)
	}
	timeout := time.Duration(pol.TimeoutMS) * time.Millisecond

	if !s.kernel.Connected() {
		out.Reason = ReasonKernelNotConnected
		out.Detail = "no live kernel session"
		return r.finish(out)
	}

	var available bool
	r.stage("gateway_probe", func() {
		available = s.gateway.EnsureAvailable(ctx)
	})
	if !available {
		out.Reason = ReasonServerUnavailable
		out.Detail = "inspection server did not answer its health probe"
		return r.finish(out)
	}

	var binding kernel.ValidateResult
	r.stage("validate_binding", func() {
		binding = s.kernel.ValidateBinding(ctx, expression, timeout)
	})
	if !binding.Exists {
		out.Reason = ReasonObjectNotFound
		out.Detail = binding.Error
		return r.finish(out)
	}

	if binding.TypeName != "" && !typesAgree(staticType, binding.TypeName) {
		out.Notes = append(out.Notes, NoteTypeMismatch+": static "+staticType+", runtime "+binding.TypeName)
	}

	var size kernel.SizeResult
	r.stage("estimate_size", func() {
		size = s.kernel.EstimateSize(ctx, expression, binding.TypeName, timeout)
	})
	switch {
	case !size.Success:
		// Best-effort stage: an estimate we could not take never blocks.
		out.Notes = append(out.Notes, "size estimate unavailable: "+size.Error)
	case size.SizeMB > pol.MaxSizeMB:
		out.Reason = ReasonSizeExceeded
		out.Detail = sizeDetail(size.SizeMB, pol.MaxSizeMB)
		return r.finish(out)
	}

	var env serialize.Envelope
	r.stage("serialize", func() {
		env = s.kernel.SerializeObject(ctx, expression, pol.Strategy(), timeout)
	})
	if !env.Success {
		out.Reason = ReasonSerializationFailed
		out.Detail = env.Error
		return r.finish(out)
	}

	req := gateway.InspectRequest{
		ID:            uuid.NewString(),
		DeclaredType:  staticType,
		EncodingKind:  env.Format,
		PayloadBase64: env.Payload,
		TimeoutMs:     pol.TimeoutMS,
	}
	if pol.Limits != nil {
		req.ResourceLimits = &gateway.ResourceLimits{
			RAMMB:      pol.Limits.RAMMB,
			CPUPercent: pol.Limits.CPUPercent,
		}
	}
	var resp gateway.InspectResponse
	r.stage("remote_inspect", func() {
		resp = s.gateway.Inspect(ctx, req)
	})
	if !resp.Success {
		out.Reason = classifyRemoteFailure(resp.Error)
		out.Detail = resp.Error
		return r.finish(out)
	}

	out.Success = true
	out.Result = resp.ResultText
	return r.finish(out)
}

// typesAgree compares the statically inferred and observed runtime type
// names, tolerating deep-module aliases of the same public name.
func typesAgree(staticType, runtimeType string) bool {
	if staticType == runtimeType {
		return true
	}
	return policy.Collapse(staticType) == policy.Collapse(runtimeType)
}

func classifyRemoteFailure(errText string) FailureReason {
	lower := strings.ToLower(errText)
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") {
		return ReasonInspectionTimeout
	}
	return ReasonInspectionError
}

func sizeDetail(sizeMB, maxMB float64) string {
	return fmt.Sprintf("object is %.1fMB, policy allows %.1fMB", sizeMB, maxMB)
}
