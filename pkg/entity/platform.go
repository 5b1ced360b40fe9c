package entity

// PlatformID identifies the built-in platform entity present on every
// node. It is undeletable, survives passive resets, and absorbs the
// stripe-level sync control traffic that targets no particular entity.
var PlatformID = EntityID{ClassName: "platform", EntityName: "root"}

// PlatformVersion is the platform entity's fixed version.
const PlatformVersion uint64 = 1

// PlatformClassName is the class the platform service registers under.
const PlatformClassName = "platform"

type platformService struct{}

func (platformService) CreateActiveEntity(ServiceRegistry, []byte) (ActiveEntity, error) {
	return platformActive{}, nil
}

func (platformService) CreatePassiveEntity(ServiceRegistry, []byte) (PassiveEntity, error) {
	return platformPassive{}, nil
}

func (platformService) Codec() MessageCodec {
	return platformCodec{}
}

type platformCodec struct{}

func (platformCodec) Decode(raw []byte) (Message, error) {
	return string(raw), nil
}

type platformStrategy struct{}

func (platformStrategy) ConcurrencyKey([]byte) int {
	return 1
}

func (platformStrategy) Keys() []int {
	return []int{1}
}

type platformActive struct{}

func (platformActive) CreateNew() error                     { return nil }
func (platformActive) LoadExisting() error                  { return nil }
func (platformActive) Destroy() error                       { return nil }
func (platformActive) Invoke(ClientDescriptor, []byte) ([]byte, error) {
	return nil, nil
}
func (platformActive) Connected(ClientDescriptor)           {}
func (platformActive) Disconnected(ClientDescriptor)        {}
func (platformActive) GetConfig() []byte                    { return nil }
func (platformActive) Sync(int) [][]byte                    { return nil }
func (platformActive) ConcurrencyStrategy() ConcurrencyStrategy {
	return platformStrategy{}
}

type platformPassive struct{}

func (platformPassive) CreateNew() error    { return nil }
func (platformPassive) LoadExisting() error { return nil }
func (platformPassive) Destroy() error      { return nil }
func (platformPassive) Invoke([]byte) error { return nil }
