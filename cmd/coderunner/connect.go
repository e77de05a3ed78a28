package main

import (
	"fmt"

	"coderunner/config"
	"coderunner/pkg/sdk/client"
)

// newClient resolves the daemon connection: explicit flags first, then
// the selected or current config context, then the default socket.
func newClient(cn *conn) (*client.Client, error) {
	if cn.socket != "" {
		return client.NewUnix(cn.socket), nil
	}
	if cn.addr != "" {
		return client.NewTCP(cn.addr), nil
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cn.contextName != "" {
		c, ok := cfg.Contexts[cn.contextName]
		if !ok {
			return nil, fmt.Errorf("context %q not found", cn.contextName)
		}
		return fromContext(c), nil
	}
	if _, c, ok := cfg.Current(); ok {
		return fromContext(c), nil
	}
	return client.NewUnix(client.DefaultSocketPath()), nil
}

func fromContext(c config.Context) *client.Client {
	if c.Socket != "" {
		return client.NewUnix(c.Socket)
	}
	return client.NewTCP(c.Addr)
}
