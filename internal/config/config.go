package config

import (
	"github.com/ilyakaznacheev/cleanenv"
	"log"
	"sync"
)

type Config struct {
	IsDebug  bool   `yaml:"is_debug" env:"DEBUG" env-default:"false"`
	TimeZone string `yaml:"time_zone" env:"LOCAL_TZ" env-default:"Europe/Berlin"`
	Listen   struct {
		BindIP   string `yaml:"bind_ip" env:"BIND_IP" env-default:"0.0.0.0"`
		Port     string `yaml:"port" env:"PORT" env-default:"5000"`
		TLS      bool   `yaml:"tls_enabled" env-default:"false"`
		CertFile string `yaml:"cert_file" env-default:""`
		KeyFile  string `yaml:"key_file" env-default:""`
	} `yaml:"listen"`
	Api struct {
		BindIP string `yaml:"bind_ip" env:"API_BIND_IP" env-default:"0.0.0.0"`
		Port   string `yaml:"port" env:"API_PORT" env-default:"5001"`
	} `yaml:"api"`
	Metrics struct {
		Enabled bool   `yaml:"enabled" env:"METRICS_ENABLED" env-default:"false"`
		BindIP  string `yaml:"bind_ip" env-default:"0.0.0.0"`
		Port    string `yaml:"port" env-default:"9100"`
	} `yaml:"metrics"`
	Power struct {
		MinKw          float64 `yaml:"min_kw" env:"MIN_KW" env-default:"3.7"`
		MaxKw          float64 `yaml:"max_kw" env:"MAX_KW" env-default:"11.0"`
		DeadbandKw     float64 `yaml:"deadband_kw" env:"DEADBAND_KW" env-default:"0.1"`
		LoopSeconds    int     `yaml:"loop_seconds" env:"LOOP_SECONDS" env-default:"900"`
		OffPolicy      string  `yaml:"off_policy" env:"OFF_POLICY" env-default:"min"`
		BatteryKwh     float64 `yaml:"battery_kwh" env:"BATTERY_KWH" env-default:"60"`
		Efficiency     float64 `yaml:"charge_efficiency" env:"EFFICIENCY" env-default:"0.92"`
		EcoCloudyKw    float64 `yaml:"eco_cloudy_kw" env:"ECO_CLOUDY_KW" env-default:"3.7"`
		EcoSunnyKw     float64 `yaml:"eco_sunny_kw" env:"ECO_SUNNY_KW" env-default:"11.0"`
		AutoBoost      bool    `yaml:"auto_boost" env:"AUTO_BOOST" env-default:"true"`
		BoostCutoff    string  `yaml:"boost_cutoff" env:"BOOST_CUTOFF" env-default:"07:00"`
		BoostTargetSoc int     `yaml:"boost_target_soc" env:"BOOST_TARGET_SOC" env-default:"100"`
	} `yaml:"power"`
	Price struct {
		ApiUrl string `yaml:"api_url" env:"PRICE_API_URL" env-default:"https://api.awattar.de/v1/marketdata"`
	} `yaml:"price"`
	Weather struct {
		Latitude  string `yaml:"latitude" env:"LAT" env-default:"48.83"`
		Longitude string `yaml:"longitude" env:"LON" env-default:"12.86"`
	} `yaml:"weather"`
	KnownChargePoints []string `yaml:"known_charge_points" env:"KNOWN_CP_IDS"`
	Telegram          struct {
		Enabled bool   `yaml:"enabled" env:"TELEGRAM_ENABLED" env-default:"false"`
		ApiKey  string `yaml:"api_key" env:"TELEGRAM_API_KEY" env-default:""`
		ChatID  int64  `yaml:"chat_id" env:"TELEGRAM_CHAT_ID" env-default:"0"`
	} `yaml:"telegram"`
	Mongo struct {
		Enabled  bool   `yaml:"enabled" env:"MONGO_ENABLED" env-default:"false"`
		Host     string `yaml:"host" env-default:"localhost"`
		Port     string `yaml:"port" env-default:"27017"`
		User     string `yaml:"user" env-default:""`
		Password string `yaml:"password" env-default:""`
		Database string `yaml:"database" env-default:"energymanager"`
	} `yaml:"mongo"`
}

var instance *Config
var once sync.Once

func GetConfig() (*Config, error) {
	var err error
	once.Do(func() {
		log.Println("reading config")
		instance = &Config{}
		if err = cleanenv.ReadConfig("config.yml", instance); err != nil {
			// fall back to environment variables only
			instance = &Config{}
			if err = cleanenv.ReadEnv(instance); err != nil {
				desc, _ := cleanenv.GetDescription(instance, nil)
				log.Println(desc)
				log.Println(err)
				instance = nil
			}
		}
	})
	return instance, err
}
