package capture

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/PipeOpsHQ/hooktrap/internal/store"
)

// normalize folds an inbound delivery into a storable record: capped body,
// header snapshot and sender metadata.
func (s *Service) normalize(in *Inbound, ep *store.Endpoint, ip string) (*store.Request, error) {
	body, size, truncated, err := s.readBody(in)
	if err != nil {
		return nil, fmt.Errorf("capture: read body: %w", err)
	}
	if !truncated {
		body, truncated = s.decodeBody(in.Header.Get("Content-Encoding"), body)
	}

	headers, err := json.Marshal(in.Header)
	if err != nil {
		headers = []byte("{}")
	}

	return &store.Request{
		EndpointID:    ep.ID,
		Method:        in.Method,
		Path:          in.Path,
		Query:         in.Query,
		RemoteAddr:    ip,
		Headers:       string(headers),
		Body:          strings.ToValidUTF8(string(body), "�"),
		BodySize:      size,
		BodyTruncated: truncated,
		ContentType:   in.Header.Get("Content-Type"),
		UserAgent:     in.Header.Get("User-Agent"),
		Referer:       in.Header.Get("Referer"),
	}, nil
}

// readBody reads at most maxBody bytes and drains the remainder so
// keep-alive connections stay reusable. The returned size counts everything
// the sender shipped, bytes past the cap included.
func (s *Service) readBody(in *Inbound) ([]byte, int64, bool, error) {
	if in.Body == nil {
		return nil, 0, false, nil
	}
	raw, err := io.ReadAll(io.LimitReader(in.Body, s.maxBody+1))
	if err != nil {
		return nil, 0, false, err
	}
	drained, _ := io.Copy(io.Discard, in.Body)
	size := int64(len(raw)) + drained

	truncated := int64(len(raw)) > s.maxBody
	if truncated {
		raw = raw[:s.maxBody]
	}
	return raw, size, truncated, nil
}

// decodeBody inflates gzip and deflate payloads so the stored body is
// readable. Senders mislabel Content-Encoding often enough that decode
// failures keep the raw bytes instead of erroring. The inflated output is
// capped the same way the raw body is.
func (s *Service) decodeBody(encoding string, body []byte) ([]byte, bool) {
	var zr io.ReadCloser
	var err error
	switch encoding {
	case "gzip":
		zr, err = gzip.NewReader(bytes.NewReader(body))
	case "deflate":
		zr, err = zlib.NewReader(bytes.NewReader(body))
	default:
		return body, false
	}
	if err != nil {
		return body, false
	}
	defer zr.Close()

	decoded, err := io.ReadAll(io.LimitReader(zr, s.maxBody+1))
	if err != nil {
		return body, false
	}
	if int64(len(decoded)) > s.maxBody {
		return decoded[:s.maxBody], true
	}
	return decoded, false
}

// clientIP resolves the original sender address. Forwarding headers are
// honored only when the direct peer is a trusted proxy, otherwise anyone
// could spoof their way past per-IP rate limits.
func (s *Service) clientIP(in *Inbound) string {
	remote := remoteIP(in.RemoteAddr)
	if !s.trustedPeer(remote) {
		return remote
	}
	if xff := in.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx != -1 {
			xff = xff[:idx]
		}
		if ip := strings.TrimSpace(xff); ip != "" && net.ParseIP(ip) != nil {
			return ip
		}
	}
	if xri := strings.TrimSpace(in.Header.Get("X-Real-IP")); xri != "" && net.ParseIP(xri) != nil {
		return xri
	}
	return remote
}

func (s *Service) trustedPeer(ip string) bool {
	if len(s.trusted) == 0 {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, network := range s.trusted {
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}

func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// parseTrustedProxies accepts CIDR ranges and bare addresses.
func parseTrustedProxies(entries []string, log *slog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			ip := net.ParseIP(entry)
			if ip == nil {
				log.Warn("ignoring invalid trusted proxy entry", "entry", entry)
				continue
			}
			if ip.To4() != nil {
				_, network, _ = net.ParseCIDR(entry + "/32")
			} else {
				_, network, _ = net.ParseCIDR(entry + "/128")
			}
		}
		if network != nil {
			nets = append(nets, network)
		}
	}
	return nets
}
