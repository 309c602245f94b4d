package dns

import (
	"net"

	"github.com/miekg/dns"
)

// answerTTL is the TTL of every synthesized record
const answerTTL = 300

// Answer is the single record synthesized for a request
type Answer struct {
	Address net.IP // A records
	Name    string
	Target  string // PTR records
	Type    uint16
	TTL     uint32
}

// RR converts the answer to a resource record
func (a Answer) RR() dns.RR {
	hdr := dns.RR_Header{
		Name:   a.Name,
		Rrtype: a.Type,
		Class:  dns.ClassINET,
		Ttl:    a.TTL,
	}

	if a.Type == dns.TypePTR {
		return &dns.PTR{Hdr: hdr, Ptr: dns.Fqdn(a.Target)}
	}
	return &dns.A{Hdr: hdr, A: a.Address.To4()}
}

// Value is the answer as it appears in the request log: the address for A
// records and nothing for PTR.
func (a Answer) Value() string {
	if a.Type != dns.TypeA || a.Address == nil {
		return ""
	}
	return a.Address.String()
}

func newAAnswer(name string, ip net.IP) Answer {
	return Answer{Name: name, Type: dns.TypeA, Address: ip, TTL: answerTTL}
}

func newPTRAnswer(name, target string) Answer {
	return Answer{Name: name, Type: dns.TypePTR, Target: target, TTL: answerTTL}
}

// newReply builds the response skeleton: ID and question echoed, QR, AA and
// RA set.
func newReply(req *dns.Msg) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetReply(req)
	msg.Authoritative = true
	msg.RecursionAvailable = true
	return msg
}

func newServfail(req *dns.Msg) *dns.Msg {
	msg := newReply(req)
	msg.Rcode = dns.RcodeServerFailure
	return msg
}
