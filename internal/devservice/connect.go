package devservice

import (
	"fmt"
	"net"
	"strconv"
)

// ConnectInfo tells a user how to reach a service.
type ConnectInfo struct {
	DisplayText string `json:"display_text"`
	CopyText    string `json:"copy_text"`
	Address     string `json:"address"`
	Port        int    `json:"port"`
}

// ConnectInfo builds connection details for an instance. LAN services are
// addressed by the first non-loopback IPv4 address of the host.
func (m *Manager) ConnectInfo(id string) (ConnectInfo, error) {
	inst, err := m.Get(id)
	if err != nil {
		return ConnectInfo{}, err
	}

	addr := "127.0.0.1"
	if inst.BindMode != BindDevice {
		addr = m.lanAddr()
	}

	text := "http://" + net.JoinHostPort(addr, strconv.Itoa(inst.Port))
	if inst.Template.ID == "ssh" {
		text = fmt.Sprintf("ssh -p %d udroid@%s", inst.Port, addr)
	}
	return ConnectInfo{DisplayText: text, CopyText: text, Address: addr, Port: inst.Port}, nil
}

func lanAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "localhost"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil && !ip4.IsLoopback() {
				return ip4.String()
			}
		}
	}
	return "localhost"
}
