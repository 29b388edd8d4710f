package ftp

import (
	"fmt"
	"net"
	"strings"
)

// Command formatting. Arguments pass through sanitizeArg so a crafted file
// name cannot inject a second command into the control stream.

func sanitizeArg(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	r := strings.NewReplacer("\r", "", "\n", "")
	return r.Replace(s)
}

func CmdCWD(path string) string  { return "CWD " + sanitizeArg(path) }
func CmdSize(name string) string { return "SIZE " + sanitizeArg(name) }
func CmdDele(name string) string { return "DELE " + sanitizeArg(name) }
func CmdStor(name string) string { return "STOR " + sanitizeArg(name) }
func CmdAppe(name string) string { return "APPE " + sanitizeArg(name) }
func CmdMkd(name string) string  { return "MKD " + sanitizeArg(name) }
func CmdPwd() string             { return "PWD" }
func CmdPasv() string            { return "PASV" }
func CmdQuit() string            { return "QUIT" }
func CmdList() string            { return "LIST" }

// CmdType selects the transfer representation: true for ASCII ("A"),
// false for image/binary ("I").
func CmdType(ascii bool) string {
	if ascii {
		return "TYPE A"
	}
	return "TYPE I"
}

// CmdPort formats the PORT command for an active-mode data connection
// listening at ip:port. Only IPv4 is expressible in PORT.
func CmdPort(ip net.IP, port int) (string, error) {
	v4 := ip.To4()
	if v4 == nil {
		return "", fmt.Errorf("PORT needs an IPv4 address, got %s", ip)
	}
	return fmt.Sprintf("PORT %d,%d,%d,%d,%d,%d",
		v4[0], v4[1], v4[2], v4[3], port>>8, port&0xff), nil
}
