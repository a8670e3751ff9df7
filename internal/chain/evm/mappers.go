package evm

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"agora/internal/domain"
)

const referralsABI = `[
  {"type":"event","name":"ReferralSet","anonymous":false,"inputs":[
    {"name":"namespace","type":"address","indexed":true},
    {"name":"referrer","type":"address","indexed":true},
    {"name":"referee","type":"address","indexed":false}
  ]}
]`

const contestsABI = `[
  {"type":"event","name":"NewContestStarted","anonymous":false,"inputs":[
    {"name":"contest","type":"address","indexed":true},
    {"name":"namespace","type":"address","indexed":true},
    {"name":"interval","type":"uint256","indexed":false},
    {"name":"oneOff","type":"bool","indexed":false}
  ]}
]`

const launchpadABI = `[
  {"type":"event","name":"TokenLaunched","anonymous":false,"inputs":[
    {"name":"token","type":"address","indexed":false},
    {"name":"name","type":"string","indexed":false},
    {"name":"symbol","type":"string","indexed":false},
    {"name":"launchedAt","type":"uint256","indexed":false}
  ]}
]`

func registerDefaults(r *Registry) error {
	if err := r.Register(FamilyReferrals, "ReferralSet", mapReferralSet); err != nil {
		return err
	}
	if err := r.Register(FamilyContests, "NewContestStarted", mapContestStarted); err != nil {
		return err
	}
	return r.Register(FamilyLaunchpad, "TokenLaunched", mapTokenLaunched)
}

func mapReferralSet(ev Event, decoded DecodedLog) (*domain.Event, error) {
	namespace, err := addressArg(decoded, "namespace")
	if err != nil {
		return nil, err
	}
	referrer, err := addressArg(decoded, "referrer")
	if err != nil {
		return nil, err
	}
	referee, err := addressArg(decoded, "referee")
	if err != nil {
		return nil, err
	}
	out, err := domain.NewEvent(domain.EventReferralSet, domain.ReferralSetPayload{
		NamespaceAddress: namespace,
		Referrer:         referrer,
		Referee:          referee,
		EthChainID:       ev.EventSource.EthChainID,
		TransactionHash:  ev.RawLog.TransactionHash,
		Timestamp:        blockTime(ev),
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// mapContestStarted splits on the oneOff flag: the same log shape yields two
// distinct domain-event names.
func mapContestStarted(ev Event, decoded DecodedLog) (*domain.Event, error) {
	contest, err := addressArg(decoded, "contest")
	if err != nil {
		return nil, err
	}
	namespace, err := addressArg(decoded, "namespace")
	if err != nil {
		return nil, err
	}
	interval, err := uintArg(decoded, "interval")
	if err != nil {
		return nil, err
	}
	oneOff, err := boolArg(decoded, "oneOff")
	if err != nil {
		return nil, err
	}
	name := domain.EventRecurringContestStarted
	if oneOff {
		name = domain.EventOneOffContestStarted
	}
	out, err := domain.NewEvent(name, domain.ContestStartedPayload{
		ContestAddress:   contest,
		NamespaceAddress: namespace,
		IntervalSeconds:  interval,
		StartTime:        blockTime(ev),
		EthChainID:       ev.EventSource.EthChainID,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func mapTokenLaunched(ev Event, decoded DecodedLog) (*domain.Event, error) {
	token, err := addressArg(decoded, "token")
	if err != nil {
		return nil, err
	}
	tokenName, err := stringArg(decoded, "name")
	if err != nil {
		return nil, err
	}
	symbol, err := stringArg(decoded, "symbol")
	if err != nil {
		return nil, err
	}
	launchedAt, err := uintArg(decoded, "launchedAt")
	if err != nil {
		return nil, err
	}
	out, err := domain.NewEvent(domain.EventLaunchpadTokenCreated, domain.LaunchpadTokenCreatedPayload{
		TokenAddress: token,
		Name:         tokenName,
		Symbol:       symbol,
		ChainID:      fmt.Sprintf("%d", ev.EventSource.EthChainID),
		CreatedAt:    time.Unix(launchedAt, 0).UTC(),
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// blockTime converts the block's integer seconds timestamp to UTC time.
func blockTime(ev Event) time.Time {
	return time.Unix(int64(ev.Block.Timestamp), 0).UTC()
}

func addressArg(d DecodedLog, name string) (string, error) {
	v, ok := d.Args[name]
	if !ok {
		return "", fmt.Errorf("%s: missing %q argument", d.Name, name)
	}
	addr, ok := v.(common.Address)
	if !ok {
		return "", fmt.Errorf("%s: argument %q is %T, want address", d.Name, name, v)
	}
	return addr.Hex(), nil
}

func uintArg(d DecodedLog, name string) (int64, error) {
	v, ok := d.Args[name]
	if !ok {
		return 0, fmt.Errorf("%s: missing %q argument", d.Name, name)
	}
	n, ok := v.(*big.Int)
	if !ok {
		return 0, fmt.Errorf("%s: argument %q is %T, want uint256", d.Name, name, v)
	}
	if !n.IsInt64() {
		return 0, fmt.Errorf("%s: argument %q overflows int64", d.Name, name)
	}
	return n.Int64(), nil
}

func boolArg(d DecodedLog, name string) (bool, error) {
	v, ok := d.Args[name]
	if !ok {
		return false, fmt.Errorf("%s: missing %q argument", d.Name, name)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s: argument %q is %T, want bool", d.Name, name, v)
	}
	return b, nil
}

func stringArg(d DecodedLog, name string) (string, error) {
	v, ok := d.Args[name]
	if !ok {
		return "", fmt.Errorf("%s: missing %q argument", d.Name, name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: argument %q is %T, want string", d.Name, name, v)
	}
	return s, nil
}
