package attribution

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/intelforge/internal/intel"
)

// registryFile is the on-disk shape for actor/campaign registries.
type registryFile struct {
	Actors    []actorSpec    `yaml:"actors"`
	Campaigns []campaignSpec `yaml:"campaigns"`
}

type actorSpec struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Aliases         []string `yaml:"aliases"`
	Sophistication  string   `yaml:"sophistication"`
	Techniques      []string `yaml:"techniques"`
	TargetSectors   []string `yaml:"target_sectors"`
	TargetRegions   []string `yaml:"target_regions"`
	KnownIndicators []string `yaml:"known_indicators"`
	Tags            []string `yaml:"tags"`
	LastActivity    string   `yaml:"last_activity"`
}

type campaignSpec struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	ActorID    string   `yaml:"actor_id"`
	StartDate  string   `yaml:"start_date"`
	EndDate    string   `yaml:"end_date"`
	Status     string   `yaml:"status"`
	Domains    []string `yaml:"domains"`
	IPs        []string `yaml:"ips"`
	Hashes     []string `yaml:"hashes"`
	Techniques []string `yaml:"techniques"`
	Tags       []string `yaml:"tags"`
}

// LoadFromFile loads actors and campaigns from a YAML registry file.
func (m *Matcher) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading attribution registry: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing attribution registry: %w", err)
	}

	actors := make([]intel.ThreatActor, 0, len(file.Actors))
	for _, spec := range file.Actors {
		if spec.ID == "" || spec.Name == "" {
			return fmt.Errorf("actor entry missing id or name in %s", path)
		}
		lastActivity, _ := time.Parse("2006-01-02", spec.LastActivity)
		actors = append(actors, intel.ThreatActor{
			ID:              intel.ActorID(spec.ID),
			Name:            spec.Name,
			Aliases:         spec.Aliases,
			Sophistication:  spec.Sophistication,
			Techniques:      spec.Techniques,
			TargetSectors:   spec.TargetSectors,
			TargetRegions:   spec.TargetRegions,
			KnownIndicators: spec.KnownIndicators,
			Tags:            spec.Tags,
			LastActivity:    lastActivity,
		})
	}

	campaigns := make([]intel.Campaign, 0, len(file.Campaigns))
	for _, spec := range file.Campaigns {
		if spec.ID == "" || spec.ActorID == "" {
			return fmt.Errorf("campaign entry missing id or actor_id in %s", path)
		}
		start, _ := time.Parse("2006-01-02", spec.StartDate)
		status := intel.CampaignOngoing
		var end *time.Time
		if spec.EndDate != "" {
			if t, err := time.Parse("2006-01-02", spec.EndDate); err == nil {
				end = &t
				status = intel.CampaignConcluded
			}
		}
		if spec.Status == string(intel.CampaignConcluded) {
			status = intel.CampaignConcluded
		}
		campaigns = append(campaigns, intel.Campaign{
			ID:        intel.CampaignID(spec.ID),
			Name:      spec.Name,
			ActorID:   intel.ActorID(spec.ActorID),
			StartDate: start,
			EndDate:   end,
			Status:    status,
			Indicators: intel.CampaignIndicators{
				Domains: spec.Domains,
				IPs:     spec.IPs,
				Hashes:  spec.Hashes,
			},
			Techniques: spec.Techniques,
			Tags:       spec.Tags,
		})
	}

	m.LoadActors(actors)
	m.LoadCampaigns(campaigns)
	return nil
}

// SeedDefaults loads a small built-in registry used when no registry file is
// configured. Values are illustrative, not live intelligence.
func (m *Matcher) SeedDefaults() {
	now := time.Now().UTC()
	m.LoadActors([]intel.ThreatActor{
		{
			ID:             "actor-lazarus",
			Name:           "Lazarus Group",
			Aliases:        []string{"Hidden Cobra", "APT38"},
			Sophistication: "advanced",
			Techniques:     []string{"T1566", "T1059", "T1486"},
			TargetSectors:  []string{"finance", "defense"},
			TargetRegions:  []string{"global"},
			Tags:           []string{"apt", "ransomware"},
			LastActivity:   now.Add(-20 * 24 * time.Hour),
		},
		{
			ID:             "actor-fin7",
			Name:           "FIN7",
			Aliases:        []string{"Carbanak"},
			Sophistication: "high",
			Techniques:     []string{"T1566", "T1204"},
			TargetSectors:  []string{"retail", "hospitality"},
			Tags:           []string{"phishing", "carding"},
			LastActivity:   now.Add(-75 * 24 * time.Hour),
		},
	})
	m.LoadCampaigns([]intel.Campaign{
		{
			ID:        "camp-dreamjob",
			Name:      "Operation Dream Job",
			ActorID:   "actor-lazarus",
			StartDate: now.Add(-180 * 24 * time.Hour),
			Status:    intel.CampaignOngoing,
			Indicators: intel.CampaignIndicators{
				Domains: []string{"career-portal.example.net"},
				IPs:     []string{"203.0.113.77"},
			},
			Techniques: []string{"T1566"},
			Tags:       []string{"apt", "phishing"},
		},
	})
}
