package transport

import (
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// DialOptions returns the client options matching the server's keepalive
// policy, with TLS when enabled.
func DialOptions(tlsConfig TLSConfig) ([]grpc.DialOption, error) {
	dialOptions := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                15 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	if tlsConfig.Enabled {
		cfg, err := LoadClientTLSConfig(tlsConfig.CertFile, tlsConfig.KeyFile, tlsConfig.CAFile, tlsConfig.SkipVerify)
		if err != nil {
			return nil, err
		}
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(credentials.NewTLS(cfg)))
	} else {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	return dialOptions, nil
}

// Dial creates a client connection to endpoint. The connection is
// established lazily on the first call.
func Dial(endpoint string, tlsConfig TLSConfig, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	dialOptions, err := DialOptions(tlsConfig)
	if err != nil {
		return nil, err
	}
	dialOptions = append(dialOptions, extra...)

	conn, err := grpc.NewClient(endpoint, dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	return conn, nil
}
