package loadbalance

import (
	"math/rand"

	"stacker/registry"
)

// WeightedRandomBalancer picks instances with probability proportional to
// their Weight. Instances with a non-positive weight are never picked.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if err := checkEmpty(instances); err != nil {
		return nil, err
	}

	total := 0
	for _, inst := range instances {
		if inst.Weight > 0 {
			total += inst.Weight
		}
	}
	if total == 0 {
		return nil, errWeights
	}

	r := rand.Intn(total)
	for i := range instances {
		if instances[i].Weight <= 0 {
			continue
		}
		r -= instances[i].Weight
		if r < 0 {
			return &instances[i], nil
		}
	}
	return nil, errWeights
}

func (b *WeightedRandomBalancer) Name() string {
	return "weighted_random"
}
