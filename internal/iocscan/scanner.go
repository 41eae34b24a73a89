// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package iocscan walks an extracted archive looking for indicators of
// compromise: domains and subdomains of interest, email addresses at
// watched domains, and IPv4 addresses inside watched networks. Every
// pattern is compiled once, at construction, from a Policy that may leave
// any of the three kinds empty to disable it.
package iocscan

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"ingestor/internal/model"
)

var (
	urlWithProtoRe    = regexp.MustCompile(`(?i)https?://[A-Za-z0-9][A-Za-z0-9.-]*\.[A-Za-z]{2,}(/[^\s"'<>)]*)?`)
	urlWithoutProtoRe = regexp.MustCompile(`(?i)\b[A-Za-z0-9][A-Za-z0-9.-]*\.[A-Za-z]{2,}[:/][^\s"'<>)]+`)
	emailRe           = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	ipv4Re            = regexp.MustCompile(
		`\b(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)` +
			`\.(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`,
	)
)

// Policy configures which indicator kinds the Scanner looks for.
type Policy struct {
	Domains []string // watched domain substrings, lowercase
	Emails  []string // watched email domains, lowercase, no leading '@'
	CIDRs   []*net.IPNet
}

// ParseCIDRs parses a list of CIDR strings into *net.IPNet values.
func ParseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("iocscan: parse CIDR %q: %w", c, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

type domainPattern struct {
	domain string
	re     *regexp.Regexp
}

// Scanner holds precompiled patterns for a Policy. Build once, reuse across
// every archive.
type Scanner struct {
	policy         Policy
	domainPatterns []domainPattern
	logger         *log.Logger
}

// New compiles a Scanner for policy. logger receives a line per file that
// could not be read; it may be nil to discard those messages.
func New(policy Policy, logger *log.Logger) *Scanner {
	patterns := make([]domainPattern, 0, len(policy.Domains))
	for _, d := range policy.Domains {
		patterns = append(patterns, domainPattern{
			domain: d,
			re:     regexp.MustCompile(`(?i)\b([A-Za-z0-9][A-Za-z0-9.-]*` + regexp.QuoteMeta(d) + `)\b`),
		})
	}
	if logger == nil {
		logger = log.New(discard{}, "", 0)
	}
	return &Scanner{policy: policy, domainPatterns: patterns, logger: logger}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// Scan walks root recursively, reading every *.txt file, and returns the
// ordered sequence of indicators found. fingerprint and channelID are
// stamped onto every resulting Indicator. Files that cannot be read are
// logged and skipped; Scan itself only fails if root cannot be walked.
func (s *Scanner) Scan(root, fingerprint string, channelID int64) ([]model.Indicator, error) {
	var out []model.Indicator

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("iocscan: walk %q: %w", path, err)
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".txt") {
			return nil
		}

		content, readErr := readFileSafe(path)
		if readErr != nil {
			s.logger.Printf("iocscan: skipping %s: %v", path, readErr)
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)

		out = append(out, s.scanContent(content, rel, fingerprint, channelID)...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// readFileSafe reads path as UTF-8; on invalid UTF-8 it re-reads treating
// the bytes as ISO-8859-1 (Latin-1), which never fails since every byte
// value maps to a valid Latin-1 code point.
func readFileSafe(path string) (string, error) {
	raw, err := readAll(path)
	if err != nil {
		return "", err
	}
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("decode latin-1: %w", err)
	}
	return string(decoded), nil
}

func readAll(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(bufio.NewReader(f)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Scanner) scanContent(content, relativePath, fingerprint string, channelID int64) []model.Indicator {
	var indicators []model.Indicator
	lineNum := 0
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		indicators = append(indicators, s.extractFromURLs(line, lineNum, relativePath, fingerprint, channelID)...)
		indicators = append(indicators, s.extractBareDomains(line, lineNum, relativePath, fingerprint, channelID)...)
		indicators = append(indicators, s.extractEmails(line, lineNum, relativePath, fingerprint, channelID)...)
		indicators = append(indicators, s.extractIPv4(line, lineNum, relativePath, fingerprint, channelID)...)
	}
	return indicators
}

func (s *Scanner) extractFromURLs(line string, lineNum int, relativePath, fingerprint string, channelID int64) []model.Indicator {
	if len(s.policy.Domains) == 0 {
		return nil
	}
	var out []model.Indicator

	for _, match := range urlWithProtoRe.FindAllString(line, -1) {
		if hostname, ok := extractHostname(match); ok && matchesAnyDomain(hostname, s.policy.Domains) {
			out = append(out, newDomainIndicator(hostname, relativePath, fingerprint, lineNum, channelID))
		}
	}

	for _, candidate := range urlWithoutProtoRe.FindAllString(line, -1) {
		if strings.HasPrefix(candidate, ".") || strings.HasPrefix(candidate, "/") {
			continue
		}
		if hostname, ok := extractHostname("http://" + candidate); ok && matchesAnyDomain(hostname, s.policy.Domains) {
			out = append(out, newDomainIndicator(hostname, relativePath, fingerprint, lineNum, channelID))
		}
	}
	return out
}

func newDomainIndicator(hostname, relativePath, fingerprint string, lineNum int, channelID int64) model.Indicator {
	return model.Indicator{
		Kind:               model.KindDomain,
		Value:              hostname,
		SourceFingerprint:  fingerprint,
		SourceRelativePath: relativePath,
		SourceLine:         lineNum,
		ChannelID:          channelID,
	}
}

func matchesAnyDomain(hostname string, domains []string) bool {
	h := strings.ToLower(hostname)
	for _, d := range domains {
		if strings.Contains(h, d) {
			return true
		}
	}
	return false
}

func extractHostname(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "", false
	}
	return strings.ToLower(u.Hostname()), true
}

func (s *Scanner) extractBareDomains(line string, lineNum int, relativePath, fingerprint string, channelID int64) []model.Indicator {
	var out []model.Indicator
	for _, dp := range s.domainPatterns {
		for _, match := range dp.re.FindAllStringSubmatch(line, -1) {
			value := strings.ToLower(strings.TrimRight(match[1], "."))
			if value == "" || len(value) > 255 {
				continue
			}
			out = append(out, model.Indicator{
				Kind:               model.KindDomain,
				Value:              value,
				SourceFingerprint:  fingerprint,
				SourceRelativePath: relativePath,
				SourceLine:         lineNum,
				ChannelID:          channelID,
			})
		}
	}
	return out
}

func (s *Scanner) extractEmails(line string, lineNum int, relativePath, fingerprint string, channelID int64) []model.Indicator {
	if len(s.policy.Emails) == 0 {
		return nil
	}
	var out []model.Indicator
	for _, match := range emailRe.FindAllString(line, -1) {
		email := strings.ToLower(match)
		if len(email) > 255 {
			continue
		}
		for _, d := range s.policy.Emails {
			if strings.HasSuffix(email, "@"+d) {
				out = append(out, model.Indicator{
					Kind:               model.KindEmail,
					Value:              email,
					SourceFingerprint:  fingerprint,
					SourceRelativePath: relativePath,
					SourceLine:         lineNum,
					ChannelID:          channelID,
				})
				break
			}
		}
	}
	return out
}

func (s *Scanner) extractIPv4(line string, lineNum int, relativePath, fingerprint string, channelID int64) []model.Indicator {
	if len(s.policy.CIDRs) == 0 {
		return nil
	}
	var out []model.Indicator
	for _, match := range ipv4Re.FindAllString(line, -1) {
		ip := net.ParseIP(match)
		if ip == nil {
			continue
		}
		for _, n := range s.policy.CIDRs {
			if n.Contains(ip) {
				out = append(out, model.Indicator{
					Kind:               model.KindIPv4,
					Value:              ip.String(),
					SourceFingerprint:  fingerprint,
					SourceRelativePath: relativePath,
					SourceLine:         lineNum,
					ChannelID:          channelID,
				})
				break
			}
		}
	}
	return out
}
