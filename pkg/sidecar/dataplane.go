package sidecar

import (
	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/maps"
	"go.uber.org/zap"
)

// Dataplane groups the cgroup and socket hooks over one set of tables.
type Dataplane struct {
	Settings   Settings
	Tables     *maps.Tables
	Redirector *Redirector
	Recorder   *Recorder
	Splicer    *Splicer
	OrigDst    *OrigDst
}

func NewDataplane(settings Settings, tables *maps.Tables, resolver IdentityResolver, logger *zap.Logger) *Dataplane {
	return &Dataplane{
		Settings:   settings,
		Tables:     tables,
		Redirector: NewRedirector(settings, tables, resolver, logger),
		Recorder:   NewRecorder(settings, tables, logger),
		Splicer:    NewSplicer(tables.Sockets, logger),
		OrigDst:    NewOrigDst(tables.NAT, logger),
	}
}

func (d *Dataplane) Connect4(req *ConnectRequest) Verdict { return d.Redirector.Connect4(req) }

func (d *Dataplane) SockOps(ev *SockOpsEvent) Outcome { return d.Recorder.SockOps(ev) }

func (d *Dataplane) Redirect(msg *Message) bool { return d.Splicer.Redirect(msg) }

func (d *Dataplane) Getsockopt(req *SockoptRequest) { d.OrigDst.Getsockopt(req) }
