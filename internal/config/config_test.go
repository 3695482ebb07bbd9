package config

import (
    "testing"

    "github.com/stretchr/testify/require"
)

func TestServerListParsesTriples(t *testing.T) {
    fs := &FreeSwitchConfig{Servers: "10.0.0.1:8021:ClueCon, 10.0.0.2:8021:OtherPass"}
    servers := fs.ServerList()

    require.Len(t, servers, 2)
    require.Equal(t, "10.0.0.1", servers[0].Host)
    require.Equal(t, 8021, servers[0].Port)
    require.Equal(t, "ClueCon", servers[0].Password)
    require.Equal(t, "10.0.0.1:8021", servers[0].Addr())

    require.Equal(t, "10.0.0.2", servers[1].Host)
    require.Equal(t, "OtherPass", servers[1].Password)
}

func TestServerListSkipsMalformedEntries(t *testing.T) {
    fs := &FreeSwitchConfig{Servers: "10.0.0.1:8021:ClueCon, garbage, 10.0.0.2:notaport:Pass, ,"}
    servers := fs.ServerList()

    require.Len(t, servers, 1)
    require.Equal(t, "10.0.0.1", servers[0].Host)
}

func TestServerListEmpty(t *testing.T) {
    fs := &FreeSwitchConfig{Servers: ""}
    require.Empty(t, fs.ServerList())
}
