// internal/server/ip.go
package server

import (
	"net"
	"net/http"
	"strings"
)

// ------------------------------------------------------------
// Client IP
//
// 트래킹 서버는 CDN / 로드밸런서 뒤에 있으므로 RemoteAddr 는 대부분 proxy 주소다.
// conversion payload 의 client_ip_address 는 public IP 일 때만 채운다.
// ------------------------------------------------------------

// isPublicIP 는 private / loopback / link-local 이 아니면 true.
func isPublicIP(ip net.IP) bool {
	if ip == nil || ip.IsUnspecified() {
		return false
	}
	return !ip.IsPrivate() && !ip.IsLoopback() &&
		!ip.IsLinkLocalUnicast() && !ip.IsLinkLocalMulticast()
}

func parsePublic(s string) (string, bool) {
	ip := net.ParseIP(strings.TrimSpace(s))
	if !isPublicIP(ip) {
		return "", false
	}
	return ip.String(), true
}

// clientIP
//
// 우선순위:
//  1. X-Forwarded-For 의 첫 번째 public IP
//  2. CloudFront-Viewer-Address (마지막 ":" 뒤 포트 제거)
//  3. RemoteAddr
//
// 모두 public 이 아니면 빈 문자열.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if ip, ok := parsePublic(part); ok {
				return ip
			}
		}
	}

	// 예: "203.0.113.55:44321", "2404:6800:4004::200e:44321"
	if cf := r.Header.Get("CloudFront-Viewer-Address"); cf != "" {
		host := cf
		if i := strings.LastIndex(cf, ":"); i != -1 {
			host = cf[:i]
		}
		if ip, ok := parsePublic(host); ok {
			return ip
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if ip, ok := parsePublic(host); ok {
			return ip
		}
	}
	return ""
}
