package events

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	. "powerwatch/internal/core/domain"
	"powerwatch/pkg/powerwall"

	"github.com/carlmjohnson/versioninfo"
)

const (
	SENSOR_ID_BRIDGE_STATE      = "bridge"
	SENSOR_ID_BATTERY_SOC       = "battery_soc"
	SENSOR_ID_BATTERY_POWER     = "battery_power"
	SENSOR_ID_SOLAR_POWER       = "solar_power"
	SENSOR_ID_HOME_POWER        = "home_power"
	SENSOR_ID_GRID_POWER        = "grid_power"
	SENSOR_ID_BACKUP_RESERVE    = "backup_reserve"
	SENSOR_ID_GRID_STATUS       = "grid_status"
	SENSOR_ID_BATTERY_CAPACITY  = "battery_capacity"
	INPUT_NUMBER_ID_RESERVE     = "backup_reserve_target"
	STATE_CLASS_MEASUREMENT     = "measurement"
	DEVICE_CLASS_BATTERY        = "battery"
	DEVICE_CLASS_POWER          = "power"
	DEVICE_CLASS_ENERGY_STORAGE = "energy_storage"
	DEVICE_CLASS_CONNECTIVITY   = "connectivity"
	SENSOR_TYPE_SENSOR          = "sensor"
	SENSOR_TYPE_BINARY          = "binary_sensor"
	INPUT_NUMBER_MODE_SLIDER    = "slider"
	ENTITY_CLASS_DIAGNOSTIC     = "diagnostic"
)

// SampleEvent is published on the actor system event stream for every sample
// the monitor collects. The engine and the MQTT publisher subscribe to it.
type SampleEvent struct {
	Sample *powerwall.Metrics
}

// SampleToUpdateEvents maps one gateway reading to MQTT sensor updates.
func SampleToUpdateEvents(m *powerwall.Metrics) []any {
	var events []any

	events = append(events, FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_BATTERY_SOC,
		},
		Value:    m.BatteryPercentage,
		Decimals: 1,
	})
	events = append(events, FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_BATTERY_POWER,
		},
		Value:    m.BatteryPowerKW,
		Decimals: 2,
	})
	events = append(events, FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_SOLAR_POWER,
		},
		Value:    m.SolarPowerKW,
		Decimals: 2,
	})
	events = append(events, FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_HOME_POWER,
		},
		Value:    m.HomePowerKW,
		Decimals: 2,
	})
	events = append(events, FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_GRID_POWER,
		},
		Value:    m.GridPowerKW,
		Decimals: 2,
	})
	events = append(events, FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_BACKUP_RESERVE,
		},
		Value:    m.BackupReservePercent,
		Decimals: 1,
	})
	events = append(events, TextSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_GRID_STATUS,
		},
		Value: m.GridStatus,
	})
	events = append(events, InputNumberSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: INPUT_NUMBER_ID_RESERVE,
		},
		Value:    m.BackupReservePercent,
		Decimals: 1,
	})

	return events
}

func BridgeDevice(baseTopic string) Device {
	return Device{
		Id:           fmt.Sprintf("powerwatch_bridge_%s", md5HashShort(baseTopic)),
		Manufacturer: "Powerwatch",
		Model:        "Powerwatch Bridge",
		Version:      versioninfo.Short(),
		Name:         fmt.Sprintf("Powerwatch %s", md5HashShort(baseTopic)),
	}
}

// BridgeSensors is the discovery catalog for the bridge itself.
func BridgeSensors(bridgeDevice Device) []GenericSensor {

	var sensors []GenericSensor

	sensors = append(sensors, GenericSensor{
		Device:         bridgeDevice,
		Id:             SENSOR_ID_BRIDGE_STATE,
		SensorType:     SENSOR_TYPE_BINARY,
		Name:           "Connection state",
		DeviceClass:    DEVICE_CLASS_CONNECTIVITY,
		EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
		UniqueId:       uniqueId(bridgeDevice.Id, SENSOR_ID_BRIDGE_STATE),
	})

	return sensors
}

// GatewaySensors is the discovery catalog for one battery gateway.
func GatewaySensors(dev Device) []GenericSensor {

	var sensors []GenericSensor

	sensors = append(sensors, GenericSensor{
		Device:            dev,
		Id:                SENSOR_ID_BATTERY_SOC,
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              "Battery charge",
		StateClass:        STATE_CLASS_MEASUREMENT,
		DeviceClass:       DEVICE_CLASS_BATTERY,
		UnitOfMeasurement: "%",
		UniqueId:          uniqueId(dev.Id, SENSOR_ID_BATTERY_SOC),
	})

	sensors = append(sensors, GenericSensor{
		Device:            dev,
		Id:                SENSOR_ID_BATTERY_POWER,
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              "Battery power",
		StateClass:        STATE_CLASS_MEASUREMENT,
		DeviceClass:       DEVICE_CLASS_POWER,
		UnitOfMeasurement: "kW",
		UniqueId:          uniqueId(dev.Id, SENSOR_ID_BATTERY_POWER),
	})

	sensors = append(sensors, GenericSensor{
		Device:            dev,
		Id:                SENSOR_ID_SOLAR_POWER,
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              "Solar power",
		StateClass:        STATE_CLASS_MEASUREMENT,
		DeviceClass:       DEVICE_CLASS_POWER,
		UnitOfMeasurement: "kW",
		Icon:              "mdi:solar-power",
		UniqueId:          uniqueId(dev.Id, SENSOR_ID_SOLAR_POWER),
	})

	sensors = append(sensors, GenericSensor{
		Device:            dev,
		Id:                SENSOR_ID_HOME_POWER,
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              "Home power",
		StateClass:        STATE_CLASS_MEASUREMENT,
		DeviceClass:       DEVICE_CLASS_POWER,
		UnitOfMeasurement: "kW",
		Icon:              "mdi:home-lightning-bolt",
		UniqueId:          uniqueId(dev.Id, SENSOR_ID_HOME_POWER),
	})

	sensors = append(sensors, GenericSensor{
		Device:            dev,
		Id:                SENSOR_ID_GRID_POWER,
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              "Grid power",
		StateClass:        STATE_CLASS_MEASUREMENT,
		DeviceClass:       DEVICE_CLASS_POWER,
		UnitOfMeasurement: "kW",
		Icon:              "mdi:transmission-tower",
		UniqueId:          uniqueId(dev.Id, SENSOR_ID_GRID_POWER),
	})

	sensors = append(sensors, GenericSensor{
		Device:            dev,
		Id:                SENSOR_ID_BACKUP_RESERVE,
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              "Backup reserve",
		StateClass:        STATE_CLASS_MEASUREMENT,
		DeviceClass:       DEVICE_CLASS_BATTERY,
		UnitOfMeasurement: "%",
		Icon:              "mdi:battery-lock",
		UniqueId:          uniqueId(dev.Id, SENSOR_ID_BACKUP_RESERVE),
	})

	sensors = append(sensors, GenericSensor{
		Device:     dev,
		Id:         SENSOR_ID_GRID_STATUS,
		SensorType: SENSOR_TYPE_SENSOR,
		Name:       "Grid status",
		UniqueId:   uniqueId(dev.Id, SENSOR_ID_GRID_STATUS),
	})

	return sensors
}

func GatewayInputNumbers(dev Device) []GenericInputNumber {
	return []GenericInputNumber{
		{
			Device:   dev,
			Id:       INPUT_NUMBER_ID_RESERVE,
			Name:     "Backup reserve target",
			Icon:     "mdi:battery-lock",
			Min:      0,
			Max:      100,
			Step:     1,
			Mode:     INPUT_NUMBER_MODE_SLIDER,
			UniqueId: uniqueId(dev.Id, INPUT_NUMBER_ID_RESERVE),
		},
	}
}

func uniqueId(deviceId, sensorId string) string {
	return fmt.Sprintf("%s_%s", deviceId, sensorId)
}

func md5HashShort(value string) string {
	hash := md5.Sum([]byte(value))
	return hex.EncodeToString(hash[:])[:8]
}
