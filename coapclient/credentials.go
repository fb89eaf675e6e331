package coapclient

// Credentials selects how the DTLS session authenticates to the server,
// either pre-shared key or certificate-based.
type Credentials interface {
	isCredentials()
}

// PSKCredentials authenticates with a pre-shared key identity/key pair,
// the credential scheme golioth_coap_client.c's create_session wires
// into coap_dtls_cpsk_t.
type PSKCredentials struct {
	Identity string
	Key      []byte
}

func (PSKCredentials) isCredentials() {}

// CertCredentials authenticates with an x509 client certificate and CA,
// both held in memory.
type CertCredentials struct {
	CACert     []byte
	ClientCert []byte
	PrivateKey []byte
}

func (CertCredentials) isCredentials() {}
