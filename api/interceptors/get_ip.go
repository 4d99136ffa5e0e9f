package interceptors

import (
	"net"
	"strings"

	"github.com/gin-gonic/gin"
)

// GetIP returns the client ip, honouring the proxy headers set by the load balancer
func GetIP(c *gin.Context) (string, error) {
	ip := c.Request.Header.Get("X-Real-IP")
	if len(ip) > 0 {
		return ip, nil
	}

	ip = c.Request.Header.Get("X-Forwarded-For")
	ipList := strings.Split(ip, ",")
	if len(strings.TrimSpace(ipList[0])) > 0 {
		return strings.TrimSpace(ipList[0]), nil
	}

	// If there is no "X-Real-IP" or "X-Forwarded-For", get IP from "RemoteAddr"
	ip, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		return "", err
	}
	return ip, nil
}

func getIPOrUnknown(c *gin.Context) string {
	ip, err := GetIP(c)
	if err != nil || ip == "" {
		return "unknown"
	}
	return ip
}
