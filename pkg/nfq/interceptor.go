// Package nfq intercepts traffic with a netfilter queue, rejecting the packets a
// Matcher selects and letting the rest through.
package nfq

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/florianl/go-nfqueue"
	"github.com/grafana/netsplit/pkg/iptables"
	"github.com/sirupsen/logrus"
)

// Config contains the netfilter queue IDs that iptables rules and the packet handler use to communicate.
type Config struct {
	// QueueID identifies the queue where the handler listens and iptables sends target packets.
	QueueID uint16
	// RejectMark is the mark the handler sets on packets that need to be rejected.
	RejectMark uint32
}

// RandomConfig returns a Config with random queue id and reject mark.
// To ensure the numbers are not zero they are ORed with 0b1, as adding 1 can actually result in the number overflowing
// and becoming zero.
func RandomConfig() Config {
	return Config{
		QueueID:    uint16(rand.Int31()) | 0b1,
		RejectMark: uint32(rand.Int31()) | 0b1,
	}
}

// Queue is the subset of *nfqueue.Nfqueue used by the Interceptor.
type Queue interface {
	RegisterWithErrorFunc(ctx context.Context, fn nfqueue.HookFunc, errfn nfqueue.ErrorFunc) error
	SetVerdict(id uint32, verdict int) error
	SetVerdictWithMark(id uint32, verdict, mark int) error
	Close() error
}

// OpenFunc opens the queue identified by the config
type OpenFunc func(Config) (Queue, error)

// OpenNFQueue opens a netfilter queue
func OpenNFQueue(c Config) (Queue, error) {
	queue, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      c.QueueID,
		Copymode:     nfqueue.NfQnlCopyPacket, // Copymode must be set to NfQnlCopyPacket to be able to read the packet.
		MaxQueueLen:  32,
		MaxPacketLen: 0xffff,
	})
	if err != nil {
		return nil, fmt.Errorf("creating nfqueue: %w", err)
	}

	return queue, nil
}

// ErrNoFilter is returned when an Interceptor has no iptables filter to select the queued packets
var ErrNoFilter = errors.New("interceptor requires a packet filter")

// Interceptor sends the packets selected by Filters to a netfilter queue and rejects with
// a tcp-reset those the Matcher matches. Rules are safe by default: if the handler goes
// away and rules are left over, queued packets are accepted.
type Interceptor struct {
	Iptables iptables.Iptables
	Config   Config
	// Chain is the netfilter chain that selects the packets, "OUTPUT" if empty.
	Chain string
	// Filters hold the iptables match arguments selecting the packets sent to the queue.
	// Each filter gets its own pair of rules, all of them feeding the same queue.
	Filters []string
	Matcher Matcher
	Open    OpenFunc
	Log     logrus.FieldLogger

	mtx    sync.Mutex
	rules  *iptables.RuleSet
	queue  Queue
	cancel context.CancelFunc
}

// Active returns true if the interceptor is rejecting matched packets
func (i *Interceptor) Active() bool {
	i.mtx.Lock()
	defer i.mtx.Unlock()

	return i.queue != nil
}

// Start installs the rules and registers the packet handler. It returns once the
// handler is registered. Starting an active interceptor is a noop.
func (i *Interceptor) Start() error {
	i.mtx.Lock()
	defer i.mtx.Unlock()

	if i.queue != nil {
		return nil
	}

	if len(i.Filters) == 0 {
		return ErrNoFilter
	}

	for _, f := range i.Filters {
		if f == "" {
			return ErrNoFilter
		}
	}

	open := i.Open
	if open == nil {
		open = OpenNFQueue
	}

	rules := iptables.NewRuleSet(i.Iptables)
	for _, r := range i.interceptRules() {
		if err := rules.Add(r); err != nil {
			return errors.Join(err, rules.Remove())
		}
	}

	queue, err := open(i.Config)
	if err != nil {
		return errors.Join(err, rules.Remove())
	}

	ctx, cancel := context.WithCancel(context.Background())

	// nfqueue processes packets in order: until a verdict is emitted for a packet, the hook is not invoked again.
	err = queue.RegisterWithErrorFunc(ctx,
		func(packet nfqueue.Attribute) int {
			i.verdict(queue, packet)
			return 0
		},
		func(err error) int {
			i.logger().WithError(err).Warn("nfqueue error")
			return 0
		},
	)
	if err != nil {
		cancel()
		return errors.Join(fmt.Errorf("registering nfqueue handlers: %w", err), queue.Close(), rules.Remove())
	}

	i.rules = rules
	i.queue = queue
	i.cancel = cancel

	return nil
}

// Stop removes the rules and unregisters the handler. Stopping an inactive interceptor is a noop.
// If some rule cannot be removed the interceptor stays active, keeping the handler and the
// remaining rules, so calling Stop again retries the removal.
func (i *Interceptor) Stop() error {
	i.mtx.Lock()
	defer i.mtx.Unlock()

	if i.queue == nil {
		return nil
	}

	if err := i.rules.Remove(); err != nil {
		return fmt.Errorf("removing interception rules (%d left): %w", i.rules.Len(), err)
	}

	i.cancel()
	err := i.queue.Close()

	i.queue = nil
	i.cancel = nil
	i.rules = nil

	return err
}

func (i *Interceptor) verdict(queue Queue, packet nfqueue.Attribute) {
	if packet.PacketID == nil {
		return
	}

	if packet.Payload != nil && i.Matcher != nil && i.Matcher.Match(*packet.Payload) {
		// Rejected packets are requeued with the mark, so they hit the REJECT rule
		_ = queue.SetVerdictWithMark(*packet.PacketID, nfqueue.NfRepeat, int(i.Config.RejectMark))
		return
	}

	_ = queue.SetVerdict(*packet.PacketID, nfqueue.NfAccept)
}

func (i *Interceptor) logger() logrus.FieldLogger {
	if i.Log == nil {
		return logrus.StandardLogger()
	}

	return i.Log
}

func (i *Interceptor) chain() string {
	if i.Chain == "" {
		return "OUTPUT"
	}

	return i.Chain
}

// interceptRules returns the iptables rules that need to be set in place for the interception to work.
func (i *Interceptor) interceptRules() []iptables.Rule {
	rules := make([]iptables.Rule, 0, 2*len(i.Filters))
	for _, filter := range i.Filters {
		rules = append(rules,
			iptables.Rule{
				// Rejects with tcp-reset packets marked by the handler. Rejected packets are requeued with the mark and
				// thus traverse this rule again.
				Table: "filter", Chain: i.chain(), Args: fmt.Sprintf(
					"%s -m mark --mark %d -j REJECT --reject-with tcp-reset",
					filter, i.Config.RejectMark,
				),
			},
			iptables.Rule{
				// Sends other (non-marked) traffic to the queue so the handler can decide. --queue-bypass accepts
				// packets if nothing is listening on the queue.
				Table: "filter", Chain: i.chain(), Args: fmt.Sprintf(
					"%s -j NFQUEUE --queue-num %d --queue-bypass",
					filter, i.Config.QueueID,
				),
			},
		)
	}

	return rules
}
