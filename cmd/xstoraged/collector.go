package main

import (
	"github.com/loafoe/go-xstorage"
	"github.com/prometheus/client_golang/prometheus"
)

type snapshotSource interface {
	Snapshot() *xstorage.Snapshot
	LastUpdateSuccessful() bool
	DeviceDescriptor() xstorage.DeviceDescriptor
}

type gauge struct {
	desc    *prometheus.Desc
	section xstorage.Section
	path    []string
}

// Collector exports the latest snapshot. It never talks to the device itself,
// so a scrape costs nothing and always matches what the coordinator holds.
type Collector struct {
	source snapshotSource

	gauges           []gauge
	updateSuccess    *prometheus.Desc
	lastUpdate       *prometheus.Desc
	sectionAvailable *prometheus.Desc
	info             *prometheus.Desc
}

func NewCollector(source snapshotSource, host string) *Collector {
	labels := prometheus.Labels{"host": host}
	newGauge := func(name, help string, section xstorage.Section, path ...string) gauge {
		return gauge{
			desc:    prometheus.NewDesc("xstorage_"+name, help, nil, labels),
			section: section,
			path:    path,
		}
	}
	return &Collector{
		source: source,
		gauges: []gauge{
			newGauge("state_of_charge_percent", "Battery state of charge in percent", xstorage.SectionStatus, "energyFlow", "stateOfCharge"),
			newGauge("battery_backup_level_percent", "Battery backup level in percent", xstorage.SectionStatus, "energyFlow", "batteryBackupLevel"),
			newGauge("battery_power_watts", "Battery energy flow in watts", xstorage.SectionStatus, "energyFlow", "batteryEnergyFlow"),
			newGauge("grid_power_watts", "Grid power in watts", xstorage.SectionStatus, "energyFlow", "gridValue"),
			newGauge("dc_pv_power_watts", "DC photovoltaic power in watts", xstorage.SectionStatus, "energyFlow", "dcPvValue"),
			newGauge("ac_pv_power_watts", "AC photovoltaic power in watts", xstorage.SectionStatus, "energyFlow", "acPvValue"),
			newGauge("critical_load_watts", "Critical load in watts", xstorage.SectionStatus, "energyFlow", "criticalLoadValue"),
			newGauge("non_critical_load_watts", "Non critical load in watts", xstorage.SectionStatus, "energyFlow", "nonCriticalLoadValue"),
			newGauge("self_consumption_percent", "Self consumption in percent", xstorage.SectionStatus, "energyFlow", "selfConsumption"),
			newGauge("self_sufficiency_percent", "Self sufficiency in percent", xstorage.SectionStatus, "energyFlow", "selfSufficiency"),
			newGauge("today_grid_consumption_wh", "Grid consumption today in watt-hours", xstorage.SectionStatus, "today", "gridConsumption"),
			newGauge("today_pv_production_wh", "Photovoltaic production today in watt-hours", xstorage.SectionStatus, "today", "photovoltaicProduction"),
			newGauge("house_consumption_threshold_watts", "Energy saving house consumption threshold in watts", xstorage.SectionDevice, "energySavingMode", "houseConsumptionThreshold"),
			newGauge("bms_temperature_celsius", "BMS temperature in degrees celsius", xstorage.SectionTechnicalStatus, "bmsTemperature"),
			newGauge("bms_current_amperes", "BMS current in amperes", xstorage.SectionTechnicalStatus, "bmsCurrent"),
			newGauge("unread_notifications", "Number of unread device notifications", xstorage.SectionUnreadNotificationsCount, "total"),
		},
		updateSuccess: prometheus.NewDesc(
			"xstorage_update_success",
			"Whether the last poll cycle was successful",
			nil,
			labels,
		),
		lastUpdate: prometheus.NewDesc(
			"xstorage_last_update_timestamp_seconds",
			"Time of the last published snapshot",
			nil,
			labels,
		),
		sectionAvailable: prometheus.NewDesc(
			"xstorage_section_available",
			"Whether a section carried data in the last snapshot",
			[]string{"section"},
			labels,
		),
		info: prometheus.NewDesc(
			"xstorage_info",
			"Device information",
			[]string{"model", "serial_number", "sw_version", "hw_version"},
			labels,
		),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.gauges {
		ch <- g.desc
	}
	ch <- c.updateSuccess
	ch <- c.lastUpdate
	ch <- c.sectionAvailable
	ch <- c.info
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	success := 0.0
	if c.source.LastUpdateSuccessful() {
		success = 1
	}
	ch <- prometheus.MustNewConstMetric(c.updateSuccess, prometheus.GaugeValue, success)

	snapshot := c.source.Snapshot()
	if snapshot.FetchedAt().IsZero() {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.lastUpdate, prometheus.GaugeValue, float64(snapshot.FetchedAt().Unix()))

	for _, section := range xstorage.Sections {
		available := 1.0
		if snapshot.Empty(section) {
			available = 0
		}
		ch <- prometheus.MustNewConstMetric(c.sectionAvailable, prometheus.GaugeValue, available, string(section))
	}

	for _, g := range c.gauges {
		if v, ok := snapshot.Float(g.section, g.path...); ok {
			ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, v)
		}
	}

	d := c.source.DeviceDescriptor()
	ch <- prometheus.MustNewConstMetric(c.info, prometheus.GaugeValue, 1, d.Model, d.SerialNumber, d.SoftwareVersion, d.HardwareVersion)
}
