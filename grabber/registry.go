package grabber

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/rgbd/logging"
)

// Family names a driver family.
type Family string

// The driver families, in discovery order.
const (
	FamilyOpenNI      Family = "openni"
	FamilyFreenect    Family = "freenect"
	FamilyKin4Win     Family = "kin4win"
	FamilySoftKinetic Family = "softkinetic"
	FamilyPMD         Family = "pmd"
	FamilyFile        Family = "file"
	FamilyFake        Family = "fake"
)

// Families lists every known family in the order CreateGrabbers tries them. Replay and synthetic
// families are only tried when requested.
var Families = []Family{FamilyOpenNI, FamilyFreenect, FamilyKin4Win, FamilySoftKinetic, FamilyPMD}

// Known reports whether f is a known family.
func (f Family) Known() bool {
	switch f {
	case FamilyOpenNI, FamilyFreenect, FamilyKin4Win, FamilySoftKinetic, FamilyPMD, FamilyFile, FamilyFake:
		return true
	default:
		return false
	}
}

// A Driver discovers the devices of one family and returns an unconnected grabber for each.
type Driver struct {
	Discover func(ctx context.Context, params Params, logger logging.Logger) ([]Grabber, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[Family]Driver{}
)

// Register registers the driver of a family. It panics on duplicates.
func Register(family Family, driver Driver) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, old := registry[family]; old {
		panic(errors.Errorf("trying to register two drivers for family %q", family))
	}
	if driver.Discover == nil {
		panic(errors.Errorf("cannot register a nil discovery for family %q", family))
	}
	registry[family] = driver
}

// Deregister removes the driver of a family. It is used by tests.
func Deregister(family Family) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, family)
}

// LookupDriver returns the driver registered for a family.
func LookupDriver(family Family) (Driver, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	d, ok := registry[family]
	return d, ok
}

// RegisteredFamilies returns the families with a driver, sorted by name.
func RegisteredFamilies() []Family {
	registryMu.RLock()
	defer registryMu.RUnlock()
	families := make([]Family, 0, len(registry))
	for f := range registry {
		families = append(families, f)
	}
	sort.Slice(families, func(i, j int) bool { return families[i] < families[j] })
	return families
}

// CreateGrabbers returns a grabber for every device found. A directory or image in params
// selects the file family. Otherwise the requested family is tried, or every hardware family in
// order until one finds a device. A family without a driver finds no device. The result is empty,
// not an error, when nothing was found.
func CreateGrabbers(ctx context.Context, params Params, logger logging.Logger) ([]Grabber, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	families := Families
	switch {
	case params.Directory != "" || params.ImagePath != "":
		families = []Family{FamilyFile}
	case params.Family != "":
		families = []Family{params.Family}
	}
	for _, family := range families {
		driver, ok := LookupDriver(family)
		if !ok {
			logger.Debugw("no driver for family", "family", family)
			continue
		}
		grabbers, err := driver.Discover(ctx, params, logger.Sublogger(string(family)))
		if err != nil {
			return nil, errors.Wrapf(err, "discovery of %s devices failed", family)
		}
		if len(grabbers) > 0 {
			logger.Infow("found devices", "family", family, "count", len(grabbers))
			return grabbers, nil
		}
	}
	return nil, nil
}

func clockDuration(fps float64) time.Duration {
	return time.Duration(float64(time.Second) / fps)
}

func init() {
	Register(FamilyFile, Driver{Discover: discoverFiles})
	Register(FamilyFake, Driver{Discover: discoverFake})
}
