package rollout

import (
	"context"

	"github.com/anchorhq/anchor/pkg/types"
)

// CertIssuer provisions TLS material for a public domain. A real deployment
// backs this with an ACME client talking to Let's Encrypt or a private CA;
// issuing the certificate protocol itself is outside this package.
type CertIssuer interface {
	// Ensure returns a non-expired certificate for domain, issuing a new one
	// if none is on file or the existing one is within its renewal window.
	Ensure(ctx context.Context, domain string) (*types.DomainCertificate, error)
}

// NoCertIssuer is the built-in CertIssuer: it never issues anything.
// Provisioning TLS material is ACME-protocol work this control plane treats
// as an external collaborator's concern (spec §1 non-goal), so Ensure
// always reports "nothing to do" rather than issuing. stageCertificates and
// the scheduler's renewal sweep both treat a nil, nil result as such and
// skip persistence; they do not treat it as failure.
type NoCertIssuer struct{}

func (NoCertIssuer) Ensure(ctx context.Context, domain string) (*types.DomainCertificate, error) {
	return nil, nil
}
