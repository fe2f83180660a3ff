package sidecar

import (
	"errors"

	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/events"
	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/maps"
	"go.uber.org/zap"
)

// Recorder is the sockops hook. It turns the per cookie origin written at
// connect time into a 4-tuple record and registers sockets for splicing.
type Recorder struct {
	tables   *maps.Tables
	settings Settings
	logger   *zap.Logger
}

func NewRecorder(settings Settings, tables *maps.Tables, logger *zap.Logger) *Recorder {
	return &Recorder{tables: tables, settings: settings, logger: logger.Named("sockops")}
}

func (r *Recorder) done(outcome Outcome) Outcome {
	events.ExportMeshEvent(events.EstablishEvent{Outcome: outcome.String()})
	return outcome
}

func (r *Recorder) SockOps(ev *SockOpsEvent) Outcome {
	if !ev.LocalIP.Is4() || !ev.RemoteIP.Is4() {
		return OutcomeIgnored
	}

	switch ev.Op {
	case OpActiveEstablished, OpPassiveEstablished:
	case OpStateClose:
		if err := r.tables.Sockets.Delete(ev.Pair()); err == nil {
			return r.done(OutcomeClosed)
		}
		return OutcomeIgnored
	default:
		return OutcomeIgnored
	}

	pair := ev.Pair()
	origin, found := r.tables.Cookies.Lookup(ev.Cookie)
	if !found {
		if ev.LocalPort == r.settings.OutboundPort || ev.LocalPort == r.settings.InboundPort ||
			ev.RemoteIP == r.settings.SidecarIP {
			r.insertSocket(pair, ev.Socket)
			return r.done(OutcomeSpliceOnly)
		}
		return r.done(OutcomeIgnored)
	}

	if !origin.Has(maps.OriginFlagProcessIPDetected) {
		learned := ev.LocalIP
		selfConnect := ev.LocalIP == r.settings.SidecarIP || ev.LocalIP == ev.RemoteIP
		if selfConnect {
			learned = ev.RemoteIP
		}
		if err := r.tables.ProcIPs.Update(origin.PID, maps.IPKeyFrom(learned), maps.UpdateAny); err != nil {
			r.logger.Warn("process ip write failed", zap.Uint32("pid", origin.PID), zap.Error(err))
			events.ExportMeshEvent(events.TableWriteFailureEvent{Table: maps.TableProcIPs})
		}

		if selfConnect && ev.RemotePort == r.settings.InboundPort && r.settings.RejectSelfRedirect {
			// connect time guessed a peer sidecar but this is the sidecar's own
			// pod; the address is learned now so the retry keeps its port
			r.logger.Debug("sidecar self redirect rejected", zap.Stringer("pair", pair), zap.Uint32("pid", origin.PID))
			_ = r.tables.Cookies.Delete(ev.Cookie)
			return r.done(OutcomeRejected)
		}
	}

	if err := r.tables.NAT.Update(pair, origin, maps.UpdateAny); err != nil {
		r.logger.Warn("pair origin write failed", zap.Stringer("pair", pair), zap.Error(err))
		events.ExportMeshEvent(events.TableWriteFailureEvent{Table: maps.TableNAT})
	}
	r.insertSocket(pair, ev.Socket)
	_ = r.tables.Cookies.Delete(ev.Cookie)

	r.logger.Debug("connection recorded", zap.Stringer("pair", pair), zap.Stringer("origin", origin.AddrPort()))
	return r.done(OutcomeRecorded)
}

// insertSocket loses silently to a concurrent insert of the same pair.
func (r *Recorder) insertSocket(pair maps.Pair, sock maps.Socket) {
	if sock == nil {
		return
	}
	err := r.tables.Sockets.Update(pair, sock, maps.UpdateNoExist)
	if err == nil || errors.Is(err, maps.ErrKeyExist) {
		return
	}
	r.logger.Warn("socket insert failed", zap.Stringer("pair", pair), zap.Error(err))
	events.ExportMeshEvent(events.TableWriteFailureEvent{Table: maps.TableSockets})
}
